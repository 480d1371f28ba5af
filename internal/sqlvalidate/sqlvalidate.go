// Package sqlvalidate is the reference SQL security validator consulted by
// the reference ProtocolServer's query tool (§4.M of SPEC_FULL.md). It
// enforces a conservative read-only dialect restriction: exactly one
// SELECT (optionally preceded by a read-only WITH) statement, no statement
// stacking, and no disallowed keywords anywhere in the text.
package sqlvalidate

import (
	"fmt"
	"strings"
)

var disallowedKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"ATTACH", "DETACH", "PRAGMA", "EXEC", "EXECUTE", "REPLACE", "VACUUM",
}

// Check returns an error describing why sql is rejected, or nil if it is an
// acceptable read-only statement.
func Check(sqlText string) error {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return fmt.Errorf("sqlvalidate: empty statement")
	}

	body := strings.TrimRight(trimmed, ";")
	if strings.Contains(body, ";") {
		return fmt.Errorf("sqlvalidate: statement stacking is not permitted")
	}

	upper := strings.ToUpper(body)
	firstWord := firstToken(upper)
	if firstWord != "SELECT" && firstWord != "WITH" {
		return fmt.Errorf("sqlvalidate: only SELECT statements are permitted, got %q", firstWord)
	}

	for _, kw := range disallowedKeywords {
		if containsWord(upper, kw) {
			return fmt.Errorf("sqlvalidate: keyword %q is not permitted", kw)
		}
	}

	return nil
}

func firstToken(s string) string {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == '('
	})
	if i < 0 {
		return s
	}
	return s[:i]
}

// containsWord reports whether kw appears in s as a standalone token (not
// as a substring of a longer identifier).
func containsWord(s, kw string) bool {
	idx := 0
	for {
		pos := strings.Index(s[idx:], kw)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(kw)
		before := byte(' ')
		if start > 0 {
			before = s[start-1]
		}
		after := byte(' ')
		if end < len(s) {
			after = s[end]
		}
		if !isWordByte(before) && !isWordByte(after) {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_'
}
