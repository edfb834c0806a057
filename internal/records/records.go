// Package records defines the read-only contract between the security core
// and the external record manager. Only the fields that feed the SOS summary
// cross this boundary; the core never writes records.
package records

import (
	"context"
	"sync"
)

type Contact struct {
	Name     string `json:"name"`
	Relation string `json:"relation"`
	Phone    string `json:"phone"`
}

// Snapshot is a point-in-time view of the SOS-relevant fields across all
// records. Slices carry no ordering guarantee; digest and template code must
// not depend on order.
type Snapshot struct {
	BloodType   string    `json:"blood_type"`
	Allergies   []string  `json:"allergies"`
	Medications []string  `json:"medications"`
	Conditions  []string  `json:"conditions"`
	Contacts    []Contact `json:"contacts"`
	RecordCount int       `json:"record_count"`
}

// Store is the record manager's read side.
type Store interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// MemStore is an in-process Store fed by the record manager. Set replaces the
// snapshot wholesale and fires the registered change hook, which is how
// record mutations reach the SOS cache.
type MemStore struct {
	mu       sync.RWMutex
	snap     Snapshot
	onChange func()
}

func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) Snapshot(_ context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, nil
}

func (s *MemStore) Set(snap Snapshot) {
	s.mu.Lock()
	s.snap = snap
	hook := s.onChange
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// OnChange registers the mutation hook. One consumer (the SOS cache) is
// expected.
func (s *MemStore) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}
