package sqlguard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// InMemoryStore implements Store with in-memory maps.
type InMemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*QueryActivityRecord
	findings map[string]*Finding
	outcomes map[string][]*NotificationOutcome
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:  make(map[string]*QueryActivityRecord),
		findings: make(map[string]*Finding),
		outcomes: make(map[string][]*NotificationOutcome),
	}
}

func (s *InMemoryStore) GetRecord(_ context.Context, id string) (*QueryActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, exists := s.records[id]
	if !exists {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryStore) SaveRecord(_ context.Context, rec *QueryActivityRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("record has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *InMemoryStore) SearchRecords(_ context.Context, filter RecordFilter) (*RecordPage, error) {
	page, size := clampPage(filter.Page, filter.Size)
	keywords := strings.ToLower(filter.Keywords)

	s.mu.RLock()
	var matched []*QueryActivityRecord
	for _, rec := range s.records {
		switch {
		case filter.User != "" && !strings.Contains(rec.Principal, filter.User):
			continue
		case filter.Outcome != "" && rec.Outcome != filter.Outcome:
			continue
		case keywords != "" && !strings.Contains(strings.ToLower(rec.Summary), keywords):
			continue
		case !filter.From.IsZero() && rec.OccurredAt.Before(filter.From):
			continue
		case !filter.To.IsZero() && !rec.OccurredAt.Before(filter.To):
			continue
		}
		cp := *rec
		matched = append(matched, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].OccurredAt.After(matched[j].OccurredAt) })
	return &RecordPage{
		Items: pageOf(matched, page, size),
		Page:  page,
		Size:  size,
		Total: int64(len(matched)),
	}, nil
}

func (s *InMemoryStore) SaveFinding(_ context.Context, f *Finding) error {
	if f == nil || f.ID == "" {
		return fmt.Errorf("finding has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.findings[f.ID]; exists {
		return fmt.Errorf("finding %s already exists", f.ID)
	}
	cp := *f
	s.findings[f.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetFinding(_ context.Context, id string) (*Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, exists := s.findings[id]
	if !exists {
		return nil, fmt.Errorf("finding %s: %w", id, ErrNotFound)
	}
	cp := *f
	return &cp, nil
}

func (s *InMemoryStore) SearchFindings(_ context.Context, filter FindingFilter) (*FindingPage, error) {
	page, size := clampPage(filter.Page, filter.Size)

	s.mu.RLock()
	var matched []FindingView
	for _, f := range s.findings {
		var rec *QueryActivityRecord
		if r, ok := s.records[f.SourceRecordID]; ok {
			cp := *r
			rec = &cp
		}
		switch {
		case filter.Kind != "" && f.Kind != filter.Kind:
			continue
		case filter.Severity != "" && f.Severity != filter.Severity:
			continue
		case !filter.From.IsZero() && f.OccurredAt.Before(filter.From):
			continue
		case !filter.To.IsZero() && !f.OccurredAt.Before(filter.To):
			continue
		case filter.User != "" && (rec == nil || !strings.Contains(rec.Principal, filter.User)):
			continue
		case filter.AdminID != "" && (rec == nil || rec.AdminID != filter.AdminID):
			continue
		case filter.Query != "" && !strings.Contains(f.Evidence, filter.Query):
			continue
		}
		matched = append(matched, FindingView{Finding: *f, Record: rec})
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].OccurredAt.After(matched[j].OccurredAt) })
	return &FindingPage{
		Items: pageOf(matched, page, size),
		Page:  page,
		Size:  size,
		Total: int64(len(matched)),
	}, nil
}

func (s *InMemoryStore) SaveOutcome(_ context.Context, o *NotificationOutcome) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("outcome has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.outcomes[o.FindingID] = append(s.outcomes[o.FindingID], &cp)
	return nil
}

func (s *InMemoryStore) ListOutcomes(_ context.Context, findingID string) ([]*NotificationOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*NotificationOutcome, 0, len(s.outcomes[findingID]))
	for _, o := range s.outcomes[findingID] {
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryStore) HealthCheck(context.Context) error {
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func pageOf[T any](items []T, page, size int) []T {
	start := page * size
	if start >= len(items) {
		return []T{}
	}
	end := min(start+size, len(items))
	return items[start:end]
}
