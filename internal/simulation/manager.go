// Package simulation runs the metabolic engine on behalf of a session,
// keeps the current and previous run, converts glucose to the configured
// display unit, and serves it all over HTTP.
package simulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/glucose-engine/internal/aida"
	"github.com/atmx/glucose-engine/internal/model"
	"github.com/atmx/glucose-engine/internal/schedule"
)

// UnitSource reports the configured glucose display unit.
type UnitSource interface {
	GlucoseUnit(ctx context.Context) (string, error)
}

// Request is one simulation request: patient and insulin parameters plus the
// raw intake form.
type Request struct {
	Patient  model.PatientParams
	InsulinA model.InsulinParams
	InsulinB model.InsulinParams

	// Catalog names of the two preparations, recorded on the run.
	InsulinNameA string
	InsulinNameB string

	Intake schedule.Input
}

// Manager holds the run history of one session. Runs are computed outside
// the lock; the current/previous pair is replaced in a single critical
// section so readers never observe a half-installed run.
type Manager struct {
	units UnitSource
	now   func() time.Time

	mu      sync.RWMutex
	history model.History
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used to anchor intake times.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. A nil units source reports glucose in mmol/L.
func NewManager(units UnitSource, opts ...Option) *Manager {
	m := &Manager{units: units, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run builds the intake schedule, simulates one day, converts glucose to the
// display unit and installs the run as current. On error the history is
// left untouched.
func (m *Manager) Run(ctx context.Context, req Request) (model.History, error) {
	now := m.now()

	sched, err := schedule.Build(wallClock(now), req.Intake)
	if err != nil {
		return model.History{}, err
	}

	start := time.Now()
	res, err := aida.Simulate(aida.Input{
		Day:         sched.Day,
		Patient:     req.Patient,
		InsulinA:    req.InsulinA,
		InsulinB:    req.InsulinB,
		Meals:       sched.Meals,
		InjectionsA: sched.InjectionsA,
		InjectionsB: sched.InjectionsB,
	})
	elapsed := time.Since(start)
	if err != nil {
		return model.History{}, err
	}

	unit, glucose, err := m.displayGlucose(ctx, res.Glucose)
	if err != nil {
		return model.History{}, err
	}

	run := &model.Run{
		ID:            uuid.New().String(),
		StartedAt:     now,
		Unit:          unit,
		ExecutionTime: elapsed,
		Patient:       req.Patient,
		InsulinA:      req.InsulinA,
		InsulinB:      req.InsulinB,
		InsulinNameA:  req.InsulinNameA,
		InsulinNameB:  req.InsulinNameB,
		Meals:         sched.Meals,
		InjectionsA:   sched.InjectionsA,
		InjectionsB:   sched.InjectionsB,
		Glucose:       glucose,
		Insulin:       res.Insulin,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.history.Current
	m.history = model.History{
		Current:                  run,
		Previous:                 previous,
		ResultsAvailableCurrent:  run.HasResults(),
		ResultsAvailablePrevious: previous.HasResults(),
	}
	return m.history, nil
}

// History returns a consistent snapshot of the current and previous runs.
func (m *Manager) History() model.History {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history
}

// wallClock re-expresses t's local wall time in UTC. Intake times and
// samples are wall-clock labels, and a UTC day is always 24 hours long,
// including on daylight-saving transitions.
func wallClock(t time.Time) time.Time {
	y, mo, d := t.Date()
	h, mi, sec := t.Clock()
	return time.Date(y, mo, d, h, mi, sec, t.Nanosecond(), time.UTC)
}

// displayGlucose scales mmol/L values to mg/dL when the unit source asks
// for it. The engine output is never modified in place.
func (m *Manager) displayGlucose(ctx context.Context, g model.Series) (string, model.Series, error) {
	if m.units == nil {
		return model.UnitMmolL, g, nil
	}
	unit, err := m.units.GlucoseUnit(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("simulation: glucose unit lookup: %w", err)
	}
	if model.IsMgdl(unit) {
		return model.UnitMgdL, g.Scale(model.MgdlPerMmol), nil
	}
	return model.UnitMmolL, g, nil
}
