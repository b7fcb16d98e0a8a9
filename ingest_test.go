package sqlguard

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rows(n int64) *int64 { return &n }

func TestNewRecordValidation(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	valid := IngestRequest{UserID: "a@example.com", SQLRaw: "SELECT 1", ReturnRows: rows(0), Status: "SUCCESS"}

	tests := []struct {
		name  string
		edit  func(r *IngestRequest)
		field string
		msg   string
	}{
		{"missing user", func(r *IngestRequest) { r.UserID = " " }, "userId", "userId is required"},
		{"user not email", func(r *IngestRequest) { r.UserID = "alice" }, "userId", "userId must be email"},
		{"missing sql", func(r *IngestRequest) { r.SQLRaw = "" }, "sqlRaw", "sqlRaw is required"},
		{"missing rows", func(r *IngestRequest) { r.ReturnRows = nil }, "returnRows", "returnRows must be >= 0"},
		{"negative rows", func(r *IngestRequest) { r.ReturnRows = rows(-1) }, "returnRows", "returnRows must be >= 0"},
		{"missing status", func(r *IngestRequest) { r.Status = "" }, "status", "status is required"},
		{"bad status", func(r *IngestRequest) { r.Status = "MAYBE" }, "status", "status is invalid"},
		{"bad time", func(r *IngestRequest) { r.ExecutedAt = "yesterday" }, "executedAt", "executedAt is invalid"},
	}
	for _, tt := range tests {
		req := valid
		tt.edit(&req)
		_, err := NewRecord(req, now)
		var ve *ValidationError
		require.True(t, errors.As(err, &ve), tt.name)
		assert.Equal(t, tt.field, ve.Field, tt.name)
		assert.Equal(t, tt.msg, err.Error(), tt.name)
	}
}

func TestNewRecordDefaults(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rec, err := NewRecord(IngestRequest{
		UserID:     " a@example.com ",
		AdminID:    " 9 ",
		SQLRaw:     "DELETE FROM orders WHERE id = 3",
		ReturnRows: rows(1),
		Status:     "failure",
	}, now)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, now, rec.OccurredAt)
	assert.Equal(t, "a@example.com", rec.Principal)
	assert.Equal(t, "9", rec.AdminID)
	assert.Equal(t, OutcomeFailed, rec.Outcome)
	assert.Equal(t, "DELETE orders WHERE id = ?", rec.Summary)

	rec, err = NewRecord(IngestRequest{
		ExecutedAt: "2026-04-30T08:15:00.5+02:00",
		UserID:     "a@example.com",
		SQLRaw:     strings.Repeat("é", 9000),
		SQLSummary: strings.Repeat("s", 600),
		ReturnRows: rows(0),
		Status:     "SUCCEEDED",
	}, now)
	require.NoError(t, err)
	assert.True(t, rec.OccurredAt.Equal(time.Date(2026, 4, 30, 6, 15, 0, 500_000_000, time.UTC)))
	assert.Len(t, []rune(rec.RawText), 8192)
	assert.Len(t, rec.Summary, 512)
	assert.Equal(t, OutcomeSucceeded, rec.Outcome)
}
