package sqlguard

import (
	"regexp"
	"strings"
)

var (
	summaryCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/|--[^\n]*(?:\r?\n|$)`)
	summaryKeywordRe = regexp.MustCompile(`(?i)\b(?:select|from|where|group by|order by|limit|insert|into|values|update|set|delete|join|left|right|inner|outer|on)\b`)
	summaryLiteralRe = regexp.MustCompile(`'[^']*'|"[^"]*"|\b\d+\b`)
	summaryVerbRe    = regexp.MustCompile(`(?i)^(SELECT|INSERT|UPDATE|DELETE)\b`)
	summaryFromRe    = regexp.MustCompile("(?i)\\bFROM\\s+([\\w.\\-`]+)")
	summaryIntoRe    = regexp.MustCompile("(?i)\\bINTO\\s+([\\w.\\-`]+)")
	summaryUpdateRe  = regexp.MustCompile("(?i)\\bUPDATE\\s+([\\w.\\-`]+)")
	summaryWhereRe   = regexp.MustCompile(`(?i)\bWHERE\b(.*?)(?:GROUP BY|ORDER BY|LIMIT|$)`)
)

const (
	summaryMaxLen     = 160
	summaryWhereLimit = 120
)

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Summarize produces a short human-readable description of a statement such
// as "SELECT users WHERE id = ?". Literals are masked.
func Summarize(sql string) string {
	if strings.TrimSpace(sql) == "" {
		return ""
	}
	s := summaryCommentRe.ReplaceAllString(sql, " ")
	s = strings.TrimSpace(whitespaceRunRe.ReplaceAllString(s, " "))
	s = summaryKeywordRe.ReplaceAllStringFunc(s, strings.ToUpper)
	masked := summaryLiteralRe.ReplaceAllString(s, "?")

	verb := strings.ToUpper(firstGroup(summaryVerbRe, masked))
	var table string
	switch verb {
	case "SELECT", "DELETE":
		table = firstGroup(summaryFromRe, masked)
	case "INSERT":
		table = firstGroup(summaryIntoRe, masked)
	case "UPDATE":
		table = firstGroup(summaryUpdateRe, masked)
	}

	base := verb
	if table != "" {
		base = strings.TrimSpace(base + " " + table)
	}
	var sb strings.Builder
	sb.WriteString(base)
	if where := firstGroup(summaryWhereRe, masked); where != "" {
		if base != "" {
			sb.WriteString(" ")
		}
		sb.WriteString("WHERE ")
		sb.WriteString(cutText(where, summaryWhereLimit))
	}
	summary := sb.String()
	if strings.TrimSpace(summary) == "" {
		summary = masked
	}
	return cutText(summary, summaryMaxLen)
}
