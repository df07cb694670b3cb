package readwise

import "strings"

// pluralCategories maps the API's plural category names to the singular
// forms stored in the library.
var pluralCategories = map[string]string{
	"articles": "article",
	"podcasts": "podcast",
	"tweets":   "tweet",
	"books":    "book",
}

// NormalizeCategory maps an upstream category and URL to the library's
// category vocabulary. LinkedIn posts are categorized by URL because the
// API files them under articles.
func NormalizeCategory(category, rawURL string) string {
	if strings.Contains(strings.ToLower(rawURL), "linkedin.com") {
		return "linkedin"
	}

	c := strings.ToLower(strings.TrimSpace(category))
	if c == "" {
		return "article"
	}
	if singular, ok := pluralCategories[c]; ok {
		return singular
	}
	return c
}
