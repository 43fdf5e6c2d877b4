package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/glucose-engine/internal/model"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// The schema lives in migrations/001_initial.sql.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const insulinTypeColumns = `id, name, concept, parameter_s, parameter_a, parameter_b,
	retired, retire_reason, retired_at, created_at`

func (s *PostgresStore) SaveInsulinType(ctx context.Context, t *model.InsulinType) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO insulin_types (id, name, concept, parameter_s, parameter_a, parameter_b, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   concept = EXCLUDED.concept,
		   parameter_s = EXCLUDED.parameter_s,
		   parameter_a = EXCLUDED.parameter_a,
		   parameter_b = EXCLUDED.parameter_b`,
		t.ID, t.Name, t.Concept, t.S, t.A, t.B, t.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateName, t.Name)
	}
	return err
}

func (s *PostgresStore) GetInsulinType(ctx context.Context, id string) (*model.InsulinType, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+insulinTypeColumns+` FROM insulin_types WHERE id = $1`, id)
	t, err := scanInsulinType(row)
	if err != nil {
		return nil, fmt.Errorf("get insulin type %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) GetInsulinTypeByName(ctx context.Context, name string) (*model.InsulinType, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+insulinTypeColumns+` FROM insulin_types WHERE name = $1`, name)
	t, err := scanInsulinType(row)
	if err != nil {
		return nil, fmt.Errorf("get insulin type by name %q: %w", name, err)
	}
	return t, nil
}

func (s *PostgresStore) ListInsulinTypes(ctx context.Context, includeRetired bool) ([]model.InsulinType, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+insulinTypeColumns+` FROM insulin_types
		 WHERE $1 OR NOT retired
		 ORDER BY name`, includeRetired)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []model.InsulinType
	for rows.Next() {
		t, err := scanInsulinType(rows)
		if err != nil {
			return nil, err
		}
		types = append(types, *t)
	}
	return types, rows.Err()
}

func (s *PostgresStore) RetireInsulinType(ctx context.Context, id, reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE insulin_types SET retired = TRUE, retire_reason = $2, retired_at = $3 WHERE id = $1`,
		id, reason, at)
	if err != nil {
		return fmt.Errorf("retire insulin type %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insulin type %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UnretireInsulinType(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE insulin_types SET retired = FALSE, retire_reason = '', retired_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("unretire insulin type %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insulin type %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) PurgeInsulinType(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM insulin_types WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("purge insulin type %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insulin type %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GlucoseUnit(ctx context.Context) (string, error) {
	var unit string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = 'glucose_unit'`).Scan(&unit)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get glucose unit: %w", err)
	}
	return unit, nil
}

func (s *PostgresStore) SetGlucoseUnit(ctx context.Context, unit string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ('glucose_unit', $1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, unit)
	return err
}

func (s *PostgresStore) RecordObservation(ctx context.Context, obs *model.Observation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO observations (patient_id, concept, value, observed_at)
		 VALUES ($1, $2, $3, $4)`,
		obs.PatientID, obs.Concept, obs.Value, obs.ObservedAt)
	return err
}

// LatestObservations picks one row per concept with DISTINCT ON; ties on
// observed_at resolve to the most recently inserted row.
func (s *PostgresStore) LatestObservations(ctx context.Context, patientID string) (*model.Observations, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (concept) concept, value
		 FROM observations
		 WHERE patient_id = $1
		 ORDER BY concept, observed_at DESC, id DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("latest observations for %s: %w", patientID, err)
	}
	defer rows.Close()

	out := &model.Observations{PatientID: patientID}
	for rows.Next() {
		var concept string
		var value float64
		if err := rows.Scan(&concept, &value); err != nil {
			return nil, err
		}
		out.Set(concept, value)
	}
	return out, rows.Err()
}

func scanInsulinType(row pgx.Row) (*model.InsulinType, error) {
	var t model.InsulinType
	err := row.Scan(&t.ID, &t.Name, &t.Concept, &t.S, &t.A, &t.B,
		&t.Retired, &t.RetireReason, &t.RetiredAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
