package sqlguard

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the totally ordered finding severity (LOW < MEDIUM < HIGH).
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Rank returns the position of the severity in the total order. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	}
	return 0
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// AtLeast reports whether s is equal to or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity parses a severity case-insensitively.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// FindingKind identifies the engine that produced a finding.
type FindingKind string

const (
	KindPattern  FindingKind = "PATTERN"
	KindBehavior FindingKind = "BEHAVIOR"
	KindAuthz    FindingKind = "AUTHZ"
)

func ParseFindingKind(v string) (FindingKind, error) {
	k := FindingKind(strings.ToUpper(strings.TrimSpace(v)))
	switch k {
	case KindPattern, KindBehavior, KindAuthz:
		return k, nil
	}
	return "", fmt.Errorf("unknown finding kind %q", v)
}

// Outcome is the execution result of a query activity record.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

// ParseOutcome accepts SUCCEEDED/FAILED and the legacy SUCCESS/FAILURE spellings.
func ParseOutcome(v string) (Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "SUCCEEDED", "SUCCESS":
		return OutcomeSucceeded, nil
	case "FAILED", "FAILURE":
		return OutcomeFailed, nil
	}
	return "", fmt.Errorf("unknown outcome %q", v)
}

// QueryActivityRecord is one executed (or submitted) database statement.
// Outcome is the only field detection may rewrite, and only to FAILED.
type QueryActivityRecord struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurredAt"`
	Principal  string    `json:"principal"`
	AdminID    string    `json:"adminId,omitempty"`
	RawText    string    `json:"rawText"`
	Summary    string    `json:"summary,omitempty"`
	RowCount   int64     `json:"rowCount"`
	Outcome    Outcome   `json:"outcome"`
}

// Finding is a detected security-relevant fact. It is never mutated after creation.
type Finding struct {
	ID             string      `json:"id"`
	SourceRecordID string      `json:"sourceRecordId,omitempty"`
	Kind           FindingKind `json:"kind"`
	Severity       Severity    `json:"severity"`
	OccurredAt     time.Time   `json:"occurredAt"`
	Evidence       string      `json:"evidence"`
	Rule           string      `json:"rule,omitempty"`
	Principal      string      `json:"principal,omitempty"`
}

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSlack Channel = "SLACK"
)

type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "SENT"
	DeliveryFailed DeliveryStatus = "FAILED"
)

// NotificationOutcome records one delivery attempt of a finding on one channel.
type NotificationOutcome struct {
	ID           string         `json:"id"`
	FindingID    string         `json:"findingId"`
	Channel      Channel        `json:"channel"`
	Status       DeliveryStatus `json:"status"`
	Recipient    string         `json:"recipient,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	SentAt       time.Time      `json:"sentAt"`
}

// Evaluation holds the findings produced for one record by the stateless engines.
type Evaluation struct {
	Pattern *Finding `json:"pattern,omitempty"`
	Authz   *Finding `json:"authz,omitempty"`
}

// Findings returns the non-nil findings of the evaluation.
func (e Evaluation) Findings() []*Finding {
	var out []*Finding
	if e.Pattern != nil {
		out = append(out, e.Pattern)
	}
	if e.Authz != nil {
		out = append(out, e.Authz)
	}
	return out
}
