package sqlguard

import (
	"sync"
	"time"
)

const maxLedgerFindings = 50

// DetectionLedger keeps the recent findings of each principal for a TTL.
type DetectionLedger struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*DetectionEvent
	now     func() time.Time
}

type DetectionEvent struct {
	Principal string    `json:"principal"`
	Findings  []Finding `json:"findings"`
	Recorded  time.Time `json:"recorded"`
}

type DetectionSummary struct {
	ActiveKinds      map[FindingKind]int `json:"activeKinds"`
	ActiveSeverities map[Severity]int    `json:"activeSeverities"`
	ActivePrincipals int                 `json:"activePrincipals"`
	TotalFindings    int                 `json:"totalFindings"`
	LastUpdated      time.Time           `json:"lastUpdated"`
}

func NewDetectionLedger(ttl time.Duration) *DetectionLedger {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DetectionLedger{
		ttl:     ttl,
		entries: make(map[string]*DetectionEvent),
		now:     time.Now,
	}
}

func (l *DetectionLedger) Record(f *Finding) {
	if l == nil || f == nil {
		return
	}
	principal := f.Principal
	if principal == "" {
		principal = "-"
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, exists := l.entries[principal]
	if !exists || now.Sub(entry.Recorded) > l.ttl {
		entry = &DetectionEvent{Principal: principal}
		l.entries[principal] = entry
	}
	entry.Findings = append(entry.Findings, *f)
	if len(entry.Findings) > maxLedgerFindings {
		entry.Findings = entry.Findings[len(entry.Findings)-maxLedgerFindings:]
	}
	entry.Recorded = now
}

func (l *DetectionLedger) Snapshot() []DetectionEvent {
	now := l.now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	var events []DetectionEvent
	for _, entry := range l.entries {
		if now.Sub(entry.Recorded) > l.ttl {
			continue
		}
		ev := *entry
		ev.Findings = append([]Finding(nil), entry.Findings...)
		events = append(events, ev)
	}
	return events
}

func (l *DetectionLedger) Cleanup() {
	now := l.now()
	l.mu.Lock()
	for principal, entry := range l.entries {
		if now.Sub(entry.Recorded) > l.ttl {
			delete(l.entries, principal)
		}
	}
	l.mu.Unlock()
}

func (l *DetectionLedger) Summary() DetectionSummary {
	summary := DetectionSummary{
		ActiveKinds:      make(map[FindingKind]int),
		ActiveSeverities: make(map[Severity]int),
	}
	events := l.Snapshot()
	summary.ActivePrincipals = len(events)
	for _, ev := range events {
		for _, f := range ev.Findings {
			summary.ActiveKinds[f.Kind]++
			summary.ActiveSeverities[f.Severity]++
			summary.TotalFindings++
		}
		if ev.Recorded.After(summary.LastUpdated) {
			summary.LastUpdated = ev.Recorded
		}
	}
	return summary
}
