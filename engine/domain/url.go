package domain

import (
	"net/url"
	"strings"
	"unicode"
)

// NormalizeURL strips scheme and trailing slashes and lower-cases the rest.
// It is idempotent.
func NormalizeURL(raw string) string {
	s := raw
	for {
		next := strings.ToLower(strings.TrimSpace(s))
		for _, scheme := range []string{"https://", "http://"} {
			next = strings.TrimPrefix(next, scheme)
		}
		next = strings.TrimPrefix(next, "//")
		next = strings.TrimRight(next, "/")
		if next == s {
			return next
		}
		s = next
	}
}

// NormalizeTitle drops punctuation, collapses whitespace and lower-cases.
func NormalizeTitle(title string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

// Host returns the lower-cased host of raw without a leading "www.", or ""
// if raw does not parse. Scheme-less input is accepted.
func Host(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Path returns the lower-cased path of raw, or "" if it does not parse.
func Path(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Path)
}
