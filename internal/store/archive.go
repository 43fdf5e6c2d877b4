package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/glucose-engine/internal/model"
)

// DefaultResultTTL is how long archived session results are kept.
const DefaultResultTTL = 30 * time.Minute

// MemoryArchive implements ResultArchive in process memory. Expired records
// stay readable until PurgeExpired removes them.
type MemoryArchive struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]*model.ArchivedResults
}

// NewMemoryArchive creates an archive that purges records older than ttl.
func NewMemoryArchive(ttl time.Duration) *MemoryArchive {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &MemoryArchive{
		ttl:     ttl,
		records: make(map[string]*model.ArchivedResults),
	}
}

func (a *MemoryArchive) SaveResults(_ context.Context, rec *model.ArchivedResults) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cp := *rec
	a.records[rec.SessionID] = &cp
	return nil
}

func (a *MemoryArchive) LoadResults(_ context.Context, sessionID string) (*model.ArchivedResults, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[sessionID]
	if !ok {
		return nil, fmt.Errorf("archived results for session %s: %w", sessionID, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (a *MemoryArchive) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := now.Add(-a.ttl)
	purged := 0
	for id, rec := range a.records {
		if rec.SavedAt.Before(cutoff) {
			delete(a.records, id)
			purged++
		}
	}
	return purged, nil
}
