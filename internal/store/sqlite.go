package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atmx/glucose-engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Used for local
// development without a PostgreSQL server. Timestamps are stored as Unix
// nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS insulin_types (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			concept TEXT NOT NULL DEFAULT '',
			parameter_s REAL NOT NULL,
			parameter_a REAL NOT NULL,
			parameter_b REAL NOT NULL,
			retired INTEGER NOT NULL DEFAULT 0,
			retire_reason TEXT NOT NULL DEFAULT '',
			retired_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			patient_id TEXT NOT NULL,
			concept TEXT NOT NULL,
			value REAL NOT NULL,
			observed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_patient ON observations (patient_id, concept, observed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

const sqliteInsulinTypeColumns = `id, name, concept, parameter_s, parameter_a, parameter_b,
	retired, retire_reason, retired_at, created_at`

func (s *SQLiteStore) SaveInsulinType(ctx context.Context, t *model.InsulinType) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO insulin_types (id, name, concept, parameter_s, parameter_a, parameter_b, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name,
		   concept = excluded.concept,
		   parameter_s = excluded.parameter_s,
		   parameter_a = excluded.parameter_a,
		   parameter_b = excluded.parameter_b`,
		t.ID, t.Name, t.Concept, t.S, t.A, t.B, t.CreatedAt.UnixNano(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrDuplicateName, t.Name)
	}
	return err
}

func (s *SQLiteStore) GetInsulinType(ctx context.Context, id string) (*model.InsulinType, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteInsulinTypeColumns+` FROM insulin_types WHERE id = ?`, id)
	t, err := scanSQLiteInsulinType(row)
	if err != nil {
		return nil, fmt.Errorf("get insulin type %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLiteStore) GetInsulinTypeByName(ctx context.Context, name string) (*model.InsulinType, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteInsulinTypeColumns+` FROM insulin_types WHERE name = ?`, name)
	t, err := scanSQLiteInsulinType(row)
	if err != nil {
		return nil, fmt.Errorf("get insulin type by name %q: %w", name, err)
	}
	return t, nil
}

func (s *SQLiteStore) ListInsulinTypes(ctx context.Context, includeRetired bool) ([]model.InsulinType, error) {
	query := `SELECT ` + sqliteInsulinTypeColumns + ` FROM insulin_types`
	if !includeRetired {
		query += ` WHERE retired = 0`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []model.InsulinType
	for rows.Next() {
		t, err := scanSQLiteInsulinType(rows)
		if err != nil {
			return nil, err
		}
		types = append(types, *t)
	}
	return types, rows.Err()
}

func (s *SQLiteStore) RetireInsulinType(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE insulin_types SET retired = 1, retire_reason = ?, retired_at = ? WHERE id = ?`,
		reason, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("retire insulin type %s: %w", id, err)
	}
	return requireAffected(res, id)
}

func (s *SQLiteStore) UnretireInsulinType(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE insulin_types SET retired = 0, retire_reason = '', retired_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("unretire insulin type %s: %w", id, err)
	}
	return requireAffected(res, id)
}

func (s *SQLiteStore) PurgeInsulinType(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM insulin_types WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("purge insulin type %s: %w", id, err)
	}
	return requireAffected(res, id)
}

func (s *SQLiteStore) GlucoseUnit(ctx context.Context) (string, error) {
	var unit string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = 'glucose_unit'`).Scan(&unit)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get glucose unit: %w", err)
	}
	return unit, nil
}

func (s *SQLiteStore) SetGlucoseUnit(ctx context.Context, unit string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ('glucose_unit', ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, unit)
	return err
}

func (s *SQLiteStore) RecordObservation(ctx context.Context, obs *model.Observation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observations (patient_id, concept, value, observed_at) VALUES (?, ?, ?, ?)`,
		obs.PatientID, obs.Concept, obs.Value, obs.ObservedAt.UnixNano())
	return err
}

// LatestObservations walks the patient's rows newest first and keeps the
// first value seen per concept.
func (s *SQLiteStore) LatestObservations(ctx context.Context, patientID string) (*model.Observations, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT concept, value FROM observations
		 WHERE patient_id = ?
		 ORDER BY observed_at DESC, id DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("latest observations for %s: %w", patientID, err)
	}
	defer rows.Close()

	out := &model.Observations{PatientID: patientID}
	seen := make(map[string]bool)
	for rows.Next() {
		var concept string
		var value float64
		if err := rows.Scan(&concept, &value); err != nil {
			return nil, err
		}
		if seen[concept] {
			continue
		}
		seen[concept] = true
		out.Set(concept, value)
	}
	return out, rows.Err()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteInsulinType(row sqlScanner) (*model.InsulinType, error) {
	var (
		t         model.InsulinType
		retiredAt sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&t.ID, &t.Name, &t.Concept, &t.S, &t.A, &t.B,
		&t.Retired, &t.RetireReason, &retiredAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	if retiredAt.Valid {
		at := time.Unix(0, retiredAt.Int64).UTC()
		t.RetiredAt = &at
	}
	return &t, nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("insulin type %s: %w", id, ErrNotFound)
	}
	return nil
}
