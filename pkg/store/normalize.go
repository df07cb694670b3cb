package store

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeURL canonicalizes a URL for deduplication: the whole URL is
// lowercased, the scheme forced to https, the www. prefix and trailing
// slash stripped, and query string and fragment dropped. Idempotent.
// Unparseable input is returned trimmed and lowercased.
func NormalizeURL(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	host := strings.TrimPrefix(u.Host, "www.")

	path := strings.TrimRight(u.Path, "/")

	return "https://" + host + path
}

// TextHash returns a stable 16-hex-char identity for highlight text:
// SHA-256 over the NFC-normalized, whitespace-collapsed, trimmed text.
func TextHash(text string) string {
	normalized := norm.NFC.String(text)
	normalized = strings.Join(strings.Fields(normalized), " ")

	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}
