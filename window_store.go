package sqlguard

import (
	"fmt"
	"sync"
)

// PrincipalWindow is the open activity window of one principal.
type PrincipalWindow struct {
	Principal    string
	Start        int64 // aligned epoch seconds
	Total        int64
	Writes       int64
	DDL          int64
	Errors       int64
	LastRecordID string
}

func (w *PrincipalWindow) accumulate(rec *QueryActivityRecord, action Action) {
	w.Total++
	if action.IsWrite() {
		w.Writes++
	}
	if action == ActionDDL {
		w.DDL++
	}
	if rec.Outcome == OutcomeFailed {
		w.Errors++
	}
	w.LastRecordID = rec.ID
}

// WindowStore holds per-principal window state.
type WindowStore interface {
	// Compute hands fn a copy of the principal's current window (nil if none)
	// and stores the returned window. Calls for the same principal are
	// serialized; calls for different principals are not. When fn fails the
	// stored window is left unchanged.
	Compute(principal string, fn func(current *PrincipalWindow) (*PrincipalWindow, error)) error
	Get(principal string) (*PrincipalWindow, bool)
	Len() int
}

type windowSlot struct {
	mu     sync.Mutex
	window *PrincipalWindow
}

// InMemoryWindowStore implements WindowStore with a lock per principal.
// Entries are never evicted.
type InMemoryWindowStore struct {
	mu    sync.RWMutex
	slots map[string]*windowSlot
}

func NewInMemoryWindowStore() *InMemoryWindowStore {
	return &InMemoryWindowStore{slots: make(map[string]*windowSlot)}
}

func (s *InMemoryWindowStore) slot(principal string) *windowSlot {
	s.mu.RLock()
	slot, exists := s.slots[principal]
	s.mu.RUnlock()
	if exists {
		return slot
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, exists = s.slots[principal]; !exists {
		slot = &windowSlot{}
		s.slots[principal] = slot
	}
	return slot
}

func (s *InMemoryWindowStore) Compute(principal string, fn func(current *PrincipalWindow) (*PrincipalWindow, error)) (err error) {
	slot := s.slot(principal)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	var current *PrincipalWindow
	if slot.window != nil {
		cp := *slot.window
		current = &cp
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("window compute for %s panicked: %v", principal, r)
		}
	}()
	next, err := fn(current)
	if err != nil {
		return err
	}
	slot.window = next
	return nil
}

func (s *InMemoryWindowStore) Get(principal string) (*PrincipalWindow, bool) {
	s.mu.RLock()
	slot, exists := s.slots[principal]
	s.mu.RUnlock()
	if !exists {
		return nil, false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.window == nil {
		return nil, false
	}
	cp := *slot.window
	return &cp, true
}

func (s *InMemoryWindowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}
