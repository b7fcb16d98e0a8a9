package sqlguard

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when an id does not exist.
var ErrNotFound = errors.New("not found")

// RecordStore persists query activity records.
type RecordStore interface {
	GetRecord(ctx context.Context, id string) (*QueryActivityRecord, error)
	SaveRecord(ctx context.Context, rec *QueryActivityRecord) error
}

// RecordSearcher lists stored records.
type RecordSearcher interface {
	SearchRecords(ctx context.Context, filter RecordFilter) (*RecordPage, error)
}

// FindingStore persists findings and serves the event search.
type FindingStore interface {
	SaveFinding(ctx context.Context, f *Finding) error
	GetFinding(ctx context.Context, id string) (*Finding, error)
	SearchFindings(ctx context.Context, filter FindingFilter) (*FindingPage, error)
}

// OutcomeStore persists notification outcomes.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, o *NotificationOutcome) error
	ListOutcomes(ctx context.Context, findingID string) ([]*NotificationOutcome, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	RecordStore
	RecordSearcher
	FindingStore
	OutcomeStore
	HealthCheck(ctx context.Context) error
	Close() error
}

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

func clampPage(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	switch {
	case size <= 0:
		size = defaultPageSize
	case size > maxPageSize:
		size = maxPageSize
	}
	return page, size
}

// FindingFilter selects findings. Zero values mean "no constraint"; Page is
// zero-based.
type FindingFilter struct {
	Kind     FindingKind
	Severity Severity
	From     time.Time // inclusive
	To       time.Time // exclusive
	User     string    // substring of the source record principal
	AdminID  string    // exact admin id of the source record
	Query    string    // substring of the evidence
	Page     int
	Size     int
}

// FindingView is a finding joined with its source record, when present.
type FindingView struct {
	Finding
	Record *QueryActivityRecord `json:"record,omitempty"`
}

type FindingPage struct {
	Items []FindingView `json:"items"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
	Total int64         `json:"total"`
}

// RecordFilter selects query activity records.
type RecordFilter struct {
	User     string  // substring of the principal
	Outcome  Outcome // exact
	Keywords string  // case-insensitive substring of the summary
	From     time.Time
	To       time.Time
	Page     int
	Size     int
}

type RecordPage struct {
	Items []*QueryActivityRecord `json:"items"`
	Page  int                    `json:"page"`
	Size  int                    `json:"size"`
	Total int64                  `json:"total"`
}
