package sqlguard

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxSQLRawLen     = 8192
	maxSQLSummaryLen = 512
)

var principalEmailRe = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,63}$`)

// ValidationError reports a rejected ingestion field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Msg)
}

// IngestRequest is the wire form of a query activity record.
type IngestRequest struct {
	ExecutedAt string `json:"executedAt"`
	UserID     string `json:"userId"`
	AdminID    string `json:"adminId"`
	SQLRaw     string `json:"sqlRaw"`
	SQLSummary string `json:"sqlSummary"`
	ReturnRows *int64 `json:"returnRows"`
	Status     string `json:"status"`
}

// NewRecord validates req and builds a record with a fresh id. Missing
// executedAt defaults to now; long SQL text is truncated; a missing summary
// is derived from the SQL.
func NewRecord(req IngestRequest, now time.Time) (*QueryActivityRecord, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Msg: "is required"}
	}
	if !principalEmailRe.MatchString(userID) {
		return nil, &ValidationError{Field: "userId", Msg: "must be email"}
	}
	if strings.TrimSpace(req.SQLRaw) == "" {
		return nil, &ValidationError{Field: "sqlRaw", Msg: "is required"}
	}
	if req.ReturnRows == nil || *req.ReturnRows < 0 {
		return nil, &ValidationError{Field: "returnRows", Msg: "must be >= 0"}
	}
	if strings.TrimSpace(req.Status) == "" {
		return nil, &ValidationError{Field: "status", Msg: "is required"}
	}
	outcome, err := ParseOutcome(req.Status)
	if err != nil {
		return nil, &ValidationError{Field: "status", Msg: "is invalid"}
	}

	executedAt := now
	if ts := strings.TrimSpace(req.ExecutedAt); ts != "" {
		executedAt, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, &ValidationError{Field: "executedAt", Msg: "is invalid"}
		}
	}

	raw := cutRunes(req.SQLRaw, maxSQLRawLen)
	summary := cutRunes(strings.TrimSpace(req.SQLSummary), maxSQLSummaryLen)
	if summary == "" {
		summary = Summarize(raw)
	}

	return &QueryActivityRecord{
		ID:         uuid.NewString(),
		OccurredAt: executedAt,
		Principal:  userID,
		AdminID:    strings.TrimSpace(req.AdminID),
		RawText:    raw,
		Summary:    summary,
		RowCount:   *req.ReturnRows,
		Outcome:    outcome,
	}, nil
}

func cutRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
