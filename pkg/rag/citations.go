package rag

import (
	"net/url"
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'()]+|(?:www\.)?[a-zA-Z0-9][a-zA-Z0-9-]*(?:\.[a-zA-Z0-9-]+)+/[^\s<>"'()]*`)

// trailing punctuation that prose attaches to a URL but is not part of it
const trailingPunct = ".,;:!?)"

// NormalizeURL canonicalizes a citation candidate. Bare domain-shaped strings
// get an https scheme; anything that does not parse as an absolute URL is
// rejected with an empty result.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimRight(s, trailingPunct)
	if s == "" {
		return ""
	}

	if !strings.Contains(s, "://") && looksLikeDomain(s) {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return ""
	}
	return u.String()
}

func looksLikeDomain(s string) bool {
	host := s
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		host = s[:i]
	}
	if !strings.Contains(host, ".") {
		return false
	}
	for _, r := range host {
		if !(r == '.' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	// reject things like "1.2" or "3.14%" that are numbers, not hosts
	tld := host[strings.LastIndex(host, ".")+1:]
	if tld == "" {
		return false
	}
	for _, r := range tld {
		if r < 'a' || r > 'z' {
			if r < 'A' || r > 'Z' {
				return false
			}
		}
	}
	return true
}

// extractURLs pulls every URL-shaped token out of text, normalized, in order
// of first appearance.
func extractURLs(text string) []string {
	var out []string
	for _, m := range urlPattern.FindAllString(text, -1) {
		if n := NormalizeURL(m); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// stripURLs removes URL-shaped tokens from answer text so citations appear
// only in the citation list, then tidies the leftover whitespace.
func stripURLs(text string) string {
	cleaned := urlPattern.ReplaceAllString(text, "")
	// "(see <url>)" leaves an empty parenthetical behind once the URL is gone.
	cleaned = regexp.MustCompile(`(?i)\((?:see|via|source:?|from)?\s*\)`).ReplaceAllString(cleaned, "")
	cleaned = regexp.MustCompile(`[ \t]{2,}`).ReplaceAllString(cleaned, " ")
	cleaned = regexp.MustCompile(` +([.,;:!?])`).ReplaceAllString(cleaned, "$1")
	return strings.TrimSpace(cleaned)
}

// dedupeKeepOrder drops repeats, keeping the first occurrence of each URL.
func dedupeKeepOrder(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	var out []string
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
