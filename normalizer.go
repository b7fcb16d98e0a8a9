package sqlguard

import (
	"regexp"
	"strings"
)

var (
	blockCommentRe  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineCommentRe   = regexp.MustCompile(`(?m)--.*$`)
	singleQuotedRe  = regexp.MustCompile(`'(?:[^']|'')*'`)
	doubleQuotedRe  = regexp.MustCompile(`(?s)"(?:[^"\\]|\\.)*"`)
	integerTokenRe  = regexp.MustCompile(`\b\d+\b`)
	whitespaceRunRe = regexp.MustCompile(`\s+`)
)

// Normalize canonicalizes raw SQL text: comments are stripped, string literals
// collapse to '?' or "?", bare integers become 0, whitespace is collapsed and
// the result is upper-cased. Empty input yields "".
func Normalize(sql string) string {
	if sql == "" {
		return ""
	}
	s := blockCommentRe.ReplaceAllString(sql, " ")
	s = lineCommentRe.ReplaceAllString(s, " ")
	s = singleQuotedRe.ReplaceAllString(s, "'?'")
	s = doubleQuotedRe.ReplaceAllString(s, `"?"`)
	s = integerTokenRe.ReplaceAllString(s, "0")
	s = whitespaceRunRe.ReplaceAllString(s, " ")
	return strings.ToUpper(strings.TrimSpace(s))
}
