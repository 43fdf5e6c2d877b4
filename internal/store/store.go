// Package store defines the persistence interfaces of the glucose engine.
// Implementations include PostgreSQL and SQLite (source of truth), Redis
// (read-through cache and result archive), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/glucose-engine/internal/model"
)

var (
	// ErrNotFound is returned when an insulin type or archived session does
	// not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateName is returned when an insulin type name is already taken
	// by another type.
	ErrDuplicateName = errors.New("store: duplicate insulin type name")
)

// Store is the insulin-type catalog and concept directory.
type Store interface {
	// --- Insulin-type catalog ---

	// SaveInsulinType inserts t, or updates name, concept and parameters of
	// an existing type with the same ID.
	SaveInsulinType(ctx context.Context, t *model.InsulinType) error

	// GetInsulinType retrieves an insulin type by ID.
	GetInsulinType(ctx context.Context, id string) (*model.InsulinType, error)

	// GetInsulinTypeByName retrieves an insulin type by exact name.
	GetInsulinTypeByName(ctx context.Context, name string) (*model.InsulinType, error)

	// ListInsulinTypes returns insulin types ordered by name. Retired types
	// are included only when includeRetired is set.
	ListInsulinTypes(ctx context.Context, includeRetired bool) ([]model.InsulinType, error)

	// RetireInsulinType marks a type retired with a reason.
	RetireInsulinType(ctx context.Context, id, reason string, at time.Time) error

	// UnretireInsulinType clears the retired flag and reason.
	UnretireInsulinType(ctx context.Context, id string) error

	// PurgeInsulinType deletes a type permanently.
	PurgeInsulinType(ctx context.Context, id string) error

	// --- Concept directory ---

	// GlucoseUnit returns the configured glucose display unit. An empty
	// string means no unit has been configured.
	GlucoseUnit(ctx context.Context) (string, error)

	// SetGlucoseUnit stores the glucose display unit.
	SetGlucoseUnit(ctx context.Context, unit string) error

	// RecordObservation appends a patient observation.
	RecordObservation(ctx context.Context, obs *model.Observation) error

	// LatestObservations returns the most recent value per concept for a
	// patient. A patient without observations yields an empty record.
	LatestObservations(ctx context.Context, patientID string) (*model.Observations, error)
}

// ResultArchive keeps per-session simulation results for a limited time.
type ResultArchive interface {
	// SaveResults replaces the archived record of rec.SessionID.
	SaveResults(ctx context.Context, rec *model.ArchivedResults) error

	// LoadResults returns the archived record of a session.
	LoadResults(ctx context.Context, sessionID string) (*model.ArchivedResults, error)

	// PurgeExpired drops records saved before now minus the archive TTL and
	// returns how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
