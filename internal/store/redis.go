package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/glucose-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveInsulinType(ctx context.Context, t *model.InsulinType) error {
	if err := s.primary.SaveInsulinType(ctx, t); err != nil {
		return err
	}
	s.invalidateInsulinType(ctx, t.ID)
	return nil
}

func (s *CachedStore) RetireInsulinType(ctx context.Context, id, reason string, at time.Time) error {
	if err := s.primary.RetireInsulinType(ctx, id, reason, at); err != nil {
		return err
	}
	s.invalidateInsulinType(ctx, id)
	return nil
}

func (s *CachedStore) UnretireInsulinType(ctx context.Context, id string) error {
	if err := s.primary.UnretireInsulinType(ctx, id); err != nil {
		return err
	}
	s.invalidateInsulinType(ctx, id)
	return nil
}

func (s *CachedStore) PurgeInsulinType(ctx context.Context, id string) error {
	// Read the name first so the name mapping can be dropped too.
	s.invalidateInsulinType(ctx, id)
	return s.primary.PurgeInsulinType(ctx, id)
}

func (s *CachedStore) SetGlucoseUnit(ctx context.Context, unit string) error {
	if err := s.primary.SetGlucoseUnit(ctx, unit); err != nil {
		return err
	}
	s.rdb.Del(ctx, glucoseUnitKey)
	return nil
}

func (s *CachedStore) RecordObservation(ctx context.Context, obs *model.Observation) error {
	if err := s.primary.RecordObservation(ctx, obs); err != nil {
		return err
	}
	// Invalidate the latest-observation record for this patient.
	s.rdb.Del(ctx, observationsKey(obs.PatientID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInsulinType(ctx context.Context, id string) (*model.InsulinType, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, insulinTypeKey(id)).Bytes()
	if err == nil {
		var t model.InsulinType
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	// Cache miss: read from primary.
	t, err := s.primary.GetInsulinType(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheInsulinType(ctx, t)
	return t, nil
}

func (s *CachedStore) GetInsulinTypeByName(ctx context.Context, name string) (*model.InsulinType, error) {
	// Try cache via name→ID mapping.
	id, err := s.rdb.Get(ctx, insulinNameKey(name)).Result()
	if err == nil {
		return s.GetInsulinType(ctx, id)
	}

	// Cache miss.
	t, err := s.primary.GetInsulinTypeByName(ctx, name)
	if err != nil {
		return nil, err
	}

	// Cache both the type and the name→ID mapping.
	s.cacheInsulinType(ctx, t)
	s.rdb.Set(ctx, insulinNameKey(name), t.ID, s.ttl)
	return t, nil
}

func (s *CachedStore) GlucoseUnit(ctx context.Context) (string, error) {
	unit, err := s.rdb.Get(ctx, glucoseUnitKey).Result()
	if err == nil {
		return unit, nil
	}

	unit, err = s.primary.GlucoseUnit(ctx)
	if err != nil {
		return "", err
	}
	s.rdb.Set(ctx, glucoseUnitKey, unit, s.ttl)
	return unit, nil
}

func (s *CachedStore) LatestObservations(ctx context.Context, patientID string) (*model.Observations, error) {
	data, err := s.rdb.Get(ctx, observationsKey(patientID)).Bytes()
	if err == nil {
		var obs model.Observations
		if json.Unmarshal(data, &obs) == nil {
			return &obs, nil
		}
	}

	obs, err := s.primary.LatestObservations(ctx, patientID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(obs); err == nil {
		s.rdb.Set(ctx, observationsKey(patientID), data, s.ttl)
	}
	return obs, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListInsulinTypes(ctx context.Context, includeRetired bool) ([]model.InsulinType, error) {
	return s.primary.ListInsulinTypes(ctx, includeRetired)
}

// --- Cache helpers ---

func (s *CachedStore) cacheInsulinType(ctx context.Context, t *model.InsulinType) {
	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, insulinTypeKey(t.ID), data, s.ttl)
	}
}

// invalidateInsulinType drops the cached type and, when it is cached, its
// name mapping.
func (s *CachedStore) invalidateInsulinType(ctx context.Context, id string) {
	if data, err := s.rdb.Get(ctx, insulinTypeKey(id)).Bytes(); err == nil {
		var t model.InsulinType
		if json.Unmarshal(data, &t) == nil {
			s.rdb.Del(ctx, insulinNameKey(t.Name))
		}
	}
	s.rdb.Del(ctx, insulinTypeKey(id))
}

const glucoseUnitKey = "settings:glucose_unit"

func insulinTypeKey(id string) string    { return fmt.Sprintf("insulin_type:%s", id) }
func insulinNameKey(name string) string  { return fmt.Sprintf("insulin_type_name:%s", name) }
func observationsKey(pid string) string  { return fmt.Sprintf("observations:%s", pid) }
func archiveKey(sessionID string) string { return fmt.Sprintf("results:%s", sessionID) }

// RedisArchive implements ResultArchive with Redis keys that expire on their
// own after the TTL.
type RedisArchive struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisArchive creates a Redis-backed result archive.
func NewRedisArchive(rdb *redis.Client, ttl time.Duration) *RedisArchive {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &RedisArchive{rdb: rdb, ttl: ttl}
}

func (a *RedisArchive) SaveResults(ctx context.Context, rec *model.ArchivedResults) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode archived results: %w", err)
	}
	return a.rdb.Set(ctx, archiveKey(rec.SessionID), data, a.ttl).Err()
}

func (a *RedisArchive) LoadResults(ctx context.Context, sessionID string) (*model.ArchivedResults, error) {
	data, err := a.rdb.Get(ctx, archiveKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("archived results for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var rec model.ArchivedResults
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode archived results: %w", err)
	}
	return &rec, nil
}

// PurgeExpired is a no-op: Redis evicts keys at their TTL.
func (a *RedisArchive) PurgeExpired(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}
