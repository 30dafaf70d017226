package stringutil

import (
	"strings"
	"unicode"
)

// Slug creates a URL-safe identifier from parts.
func Slug(parts ...string) string {
	var tokens []string
	for _, part := range parts {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		var b strings.Builder
		lastDash := false
		for _, r := range strings.ToLower(p) {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(r)
				lastDash = false
				continue
			}
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		}
		token := strings.Trim(b.String(), "-")
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	if len(tokens) == 0 {
		return "session"
	}
	return strings.Join(tokens, "-")
}

// QuoteIdentifier wraps an identifier in quote, doubling embedded quotes.
// Use '"' for ANSI databases and '`' for MySQL.
func QuoteIdentifier(input string, quote rune) string {
	q := string(quote)
	return q + strings.ReplaceAll(input, q, q+q) + q
}

// QuoteLiteral escapes a string literal for SQL (single-quote escaping).
func QuoteLiteral(input string) string {
	return "'" + strings.ReplaceAll(input, "'", "''") + "'"
}

// IsDigits reports whether s is a non-empty run of ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
