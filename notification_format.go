package sqlguard

import (
	"fmt"
	"strings"
	"time"
)

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func cutText(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// FormatEmail renders the email subject and plain-text body of a finding.
func FormatEmail(f *Finding, rec *QueryActivityRecord) (string, string) {
	user := "-"
	if rec != nil && rec.Principal != "" {
		user = rec.Principal
	}
	subject := fmt.Sprintf("[DB-IDS] [%s] Type=%s User=%s", f.Severity, f.Kind, user)

	var sb strings.Builder
	sb.WriteString("🚨 DB-IDS Detection Alert\n\n")
	fmt.Fprintf(&sb, "Event ID : %s\n", f.ID)
	fmt.Fprintf(&sb, "Log ID   : %s\n", orDash(f.SourceRecordID))
	fmt.Fprintf(&sb, "Type     : %s\n", f.Kind)
	fmt.Fprintf(&sb, "Severity : %s\n", f.Severity)
	fmt.Fprintf(&sb, "Time     : %s\n", formatInstant(f.OccurredAt))
	if rec != nil {
		fmt.Fprintf(&sb, "\nUser     : %s\n", orDash(rec.Principal))
		fmt.Fprintf(&sb, "Status   : %s\n", rec.Outcome)
		fmt.Fprintf(&sb, "Rows     : %d\n", rec.RowCount)
		fmt.Fprintf(&sb, "\nSQL Summary:\n%s\n", orDash(rec.Summary))
		fmt.Fprintf(&sb, "\nSQL Raw:\n%s\n", orDash(rec.RawText))
	}
	return subject, sb.String()
}

// FormatSlack renders a single markdown text block. SQL is placed in code
// blocks and cut to 1000 (summary) and 2000 (raw) characters.
func FormatSlack(f *Finding, rec *QueryActivityRecord) (string, string) {
	var sb strings.Builder
	sb.WriteString(":rotating_light: *DB-IDS Detection Alert* :rotating_light:\n")
	fmt.Fprintf(&sb, "*Severity*: %s  *Type*: %s\n", f.Severity, f.Kind)
	fmt.Fprintf(&sb, "*Event ID*: %s  *Log ID*: %s\n", f.ID, orDash(f.SourceRecordID))
	fmt.Fprintf(&sb, "*Time*: %s\n", formatInstant(f.OccurredAt))
	if rec != nil {
		fmt.Fprintf(&sb, "*User*: %s  *Status*: %s  *Rows*: %d\n", orDash(rec.Principal), rec.Outcome, rec.RowCount)
		if summary := orDash(rec.Summary); summary != "-" {
			fmt.Fprintf(&sb, "\n*SQL Summary:*\n```%s```\n", cutText(summary, 1000))
		}
		if raw := orDash(rec.RawText); raw != "-" {
			fmt.Fprintf(&sb, "*SQL Raw:*\n```%s```\n", cutText(raw, 2000))
		}
	}
	return "", sb.String()
}
