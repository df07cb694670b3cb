package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "http becomes https",
			in:   "http://example.com/post",
			want: "https://example.com/post",
		},
		{
			name: "www stripped",
			in:   "https://www.example.com/post",
			want: "https://example.com/post",
		},
		{
			name: "trailing slash stripped",
			in:   "https://example.com/post/",
			want: "https://example.com/post",
		},
		{
			name: "query and fragment dropped",
			in:   "https://example.com/post?utm_source=x&ref=y#section",
			want: "https://example.com/post",
		},
		{
			name: "whole url lowercased",
			in:   "https://Example.COM/Post",
			want: "https://example.com/post",
		},
		{
			name: "bare domain",
			in:   "https://example.com/",
			want: "https://example.com",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(tt.in))
		})
	}
}

func TestNormalizeURLIdempotent(t *testing.T) {
	inputs := []string{
		"http://www.Example.com/a/b/?q=1#frag",
		"https://blog.example.org/post/",
		"https://example.com",
	}
	for _, in := range inputs {
		once := NormalizeURL(in)
		assert.Equal(t, once, NormalizeURL(once), "input %q", in)
	}
}

func TestTextHash(t *testing.T) {
	h := TextHash("The quick brown fox")
	assert.Len(t, h, 16)

	// Whitespace differences collapse to the same identity.
	assert.Equal(t, h, TextHash("  The   quick \n brown\tfox  "))

	// Different text, different hash.
	assert.NotEqual(t, h, TextHash("The quick brown cat"))
}

func TestTextHashUnicodeNormalization(t *testing.T) {
	// U+00E9 vs e + U+0301 combining acute: same after NFC.
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	assert.Equal(t, TextHash(composed), TextHash(decomposed))
}
