package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/glucose-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	insulinTypes map[string]*model.InsulinType
	observations []model.Observation
	glucoseUnit  string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		insulinTypes: make(map[string]*model.InsulinType),
	}
}

func (s *MemoryStore) SaveInsulinType(_ context.Context, t *model.InsulinType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.insulinTypes {
		if existing.Name == t.Name && existing.ID != t.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateName, t.Name)
		}
	}

	if existing, ok := s.insulinTypes[t.ID]; ok {
		existing.Name = t.Name
		existing.Concept = t.Concept
		existing.S, existing.A, existing.B = t.S, t.A, t.B
		return nil
	}

	// Store a copy to avoid external mutation.
	cp := *t
	s.insulinTypes[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInsulinType(_ context.Context, id string) (*model.InsulinType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.insulinTypes[id]
	if !ok {
		return nil, fmt.Errorf("insulin type %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetInsulinTypeByName(_ context.Context, name string) (*model.InsulinType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.insulinTypes {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("insulin type %q: %w", name, ErrNotFound)
}

func (s *MemoryStore) ListInsulinTypes(_ context.Context, includeRetired bool) ([]model.InsulinType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]model.InsulinType, 0, len(s.insulinTypes))
	for _, t := range s.insulinTypes {
		if t.Retired && !includeRetired {
			continue
		}
		types = append(types, *t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
	return types, nil
}

func (s *MemoryStore) RetireInsulinType(_ context.Context, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.insulinTypes[id]
	if !ok {
		return fmt.Errorf("insulin type %s: %w", id, ErrNotFound)
	}
	t.Retired = true
	t.RetireReason = reason
	t.RetiredAt = &at
	return nil
}

func (s *MemoryStore) UnretireInsulinType(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.insulinTypes[id]
	if !ok {
		return fmt.Errorf("insulin type %s: %w", id, ErrNotFound)
	}
	t.Retired = false
	t.RetireReason = ""
	t.RetiredAt = nil
	return nil
}

func (s *MemoryStore) PurgeInsulinType(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.insulinTypes[id]; !ok {
		return fmt.Errorf("insulin type %s: %w", id, ErrNotFound)
	}
	delete(s.insulinTypes, id)
	return nil
}

func (s *MemoryStore) GlucoseUnit(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.glucoseUnit, nil
}

func (s *MemoryStore) SetGlucoseUnit(_ context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.glucoseUnit = unit
	return nil
}

func (s *MemoryStore) RecordObservation(_ context.Context, obs *model.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observations = append(s.observations, *obs)
	return nil
}

// LatestObservations scans the log once; on equal timestamps the later
// recorded observation wins.
func (s *MemoryStore) LatestObservations(_ context.Context, patientID string) (*model.Observations, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]model.Observation)
	for _, o := range s.observations {
		if o.PatientID != patientID {
			continue
		}
		if prev, ok := latest[o.Concept]; ok && o.ObservedAt.Before(prev.ObservedAt) {
			continue
		}
		latest[o.Concept] = o
	}

	out := &model.Observations{PatientID: patientID}
	for concept, o := range latest {
		out.Set(concept, o.Value)
	}
	return out, nil
}
