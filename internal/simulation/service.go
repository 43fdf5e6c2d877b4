package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/glucose-engine/internal/aida"
	"github.com/atmx/glucose-engine/internal/metrics"
	"github.com/atmx/glucose-engine/internal/model"
	"github.com/atmx/glucose-engine/internal/schedule"
	"github.com/atmx/glucose-engine/internal/store"
)

// ServiceConfig holds the tunables of a Service.
type ServiceConfig struct {
	// Defaults fill simulation parameters a patient has no observation for.
	Defaults model.PatientParams

	// SessionTTL is how long an idle session keeps its live history.
	SessionTTL time.Duration

	// Clock anchors intake times and session bookkeeping. Nil uses time.Now.
	Clock func() time.Time
}

type session struct {
	manager  *Manager
	lastUsed time.Time
}

// Service exposes the catalog, parameter seeding and simulation runs over
// HTTP. Each session owns one Manager; runs of different sessions proceed
// in parallel.
type Service struct {
	store    store.Store
	archive  store.ResultArchive
	wsHub    *WSHub // optional WebSocket hub for completion broadcasts
	defaults model.PatientParams
	ttl      time.Duration
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewService creates a new simulation service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, archive store.ResultArchive, hub *WSHub, cfg ServiceConfig) *Service {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = store.DefaultResultTTL
	}
	return &Service{
		store:    st,
		archive:  archive,
		wsHub:    hub,
		defaults: cfg.Defaults,
		ttl:      cfg.SessionTTL,
		now:      cfg.Clock,
		sessions: make(map[string]*session),
	}
}

// --- Request/Response types ---

// InsulinTypeRequest is the JSON body for creating or updating an insulin type.
type InsulinTypeRequest struct {
	Name    string          `json:"name"`
	Concept string          `json:"concept"`
	S       decimal.Decimal `json:"s"`
	A       decimal.Decimal `json:"a"`
	B       decimal.Decimal `json:"b"`
}

// RetireRequest is the JSON body for retiring an insulin type.
type RetireRequest struct {
	Reason string `json:"reason"`
}

// ParametersResponse seeds the simulation form for a patient.
type ParametersResponse struct {
	PatientID       string              `json:"patient_id"`
	Patient         model.PatientParams `json:"patient"`
	PatientSpecific map[string]bool     `json:"patient_specific"`
	GlucoseUnit     string              `json:"glucose_unit"`
	InsulinTypes    []model.InsulinType `json:"insulin_types"`
}

// ObservationRequest is the JSON body for recording a patient observation.
// ObservedAt defaults to the time of the request.
type ObservationRequest struct {
	Concept    string          `json:"concept"`
	Value      decimal.Decimal `json:"value"`
	ObservedAt *time.Time      `json:"observed_at"`
}

// GlucoseUnitRequest is the JSON body for changing the display unit.
type GlucoseUnitRequest struct {
	Unit string `json:"unit"`
}

// SimulationRequest is the JSON body for POST /simulations. Insulin
// parameters come from InsulinA/InsulinB when given, otherwise from the
// catalog types named by InsulinTypeA/InsulinTypeB.
type SimulationRequest struct {
	SessionID string `json:"session_id"`

	Patient model.PatientParams `json:"patient"`

	InsulinTypeA string               `json:"insulin_type_a"`
	InsulinTypeB string               `json:"insulin_type_b"`
	InsulinA     *model.InsulinParams `json:"insulin_a"`
	InsulinB     *model.InsulinParams `json:"insulin_b"`

	Meals      []schedule.MealSlot      `json:"meals"`
	Injections []schedule.InjectionSlot `json:"injections"`
}

// SimulationResponse is returned from simulation runs and session lookups.
// Archived is set instead of History when the live session has expired.
type SimulationResponse struct {
	SessionID string                 `json:"session_id"`
	History   *model.History         `json:"history,omitempty"`
	Archived  *model.ArchivedResults `json:"archived,omitempty"`
}

// --- Insulin-type catalog handlers ---

// ListInsulinTypes handles GET /api/v1/insulin-types
// Retired types are included with ?include_retired=true.
func (s *Service) ListInsulinTypes(w http.ResponseWriter, r *http.Request) {
	includeRetired := r.URL.Query().Get("include_retired") == "true"

	types, err := s.store.ListInsulinTypes(r.Context(), includeRetired)
	if err != nil {
		writeError(w, "failed to list insulin types", http.StatusInternalServerError)
		return
	}
	if types == nil {
		types = []model.InsulinType{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(types)
}

// CreateInsulinType handles POST /api/v1/insulin-types
func (s *Service) CreateInsulinType(w http.ResponseWriter, r *http.Request) {
	var req InsulinTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, msg, http.StatusBadRequest)
		return
	}

	it := &model.InsulinType{
		ID:        uuid.New().String(),
		CreatedAt: s.now().UTC(),
	}
	req.apply(it)

	if err := s.store.SaveInsulinType(r.Context(), it); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("insulin type created",
		"id", it.ID,
		"name", it.Name,
		"s", it.S,
		"a", it.A,
		"b", it.B,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(it)
}

// GetInsulinType handles GET /api/v1/insulin-types/{id}
func (s *Service) GetInsulinType(w http.ResponseWriter, r *http.Request) {
	it, err := s.store.GetInsulinType(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(it)
}

// UpdateInsulinType handles PUT /api/v1/insulin-types/{id}
func (s *Service) UpdateInsulinType(w http.ResponseWriter, r *http.Request) {
	var req InsulinTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, msg, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	it, err := s.store.GetInsulinType(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	req.apply(it)

	if err := s.store.SaveInsulinType(ctx, it); err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(it)
}

// RetireInsulinType handles POST /api/v1/insulin-types/{id}/retire
func (s *Service) RetireInsulinType(w http.ResponseWriter, r *http.Request) {
	var req RetireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, "reason is required", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.store.RetireInsulinType(r.Context(), id, req.Reason, s.now().UTC()); err != nil {
		writeStoreError(w, err)
		return
	}
	slog.Info("insulin type retired", "id", id, "reason", req.Reason)
	s.GetInsulinType(w, r)
}

// UnretireInsulinType handles POST /api/v1/insulin-types/{id}/unretire
func (s *Service) UnretireInsulinType(w http.ResponseWriter, r *http.Request) {
	if err := s.store.UnretireInsulinType(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	s.GetInsulinType(w, r)
}

// PurgeInsulinType handles DELETE /api/v1/insulin-types/{id}
func (s *Service) PurgeInsulinType(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.PurgeInsulinType(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	slog.Info("insulin type purged", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (req InsulinTypeRequest) validate() string {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return "name is required"
	case !req.S.IsPositive():
		return "s must be positive"
	case req.A.IsNegative() || req.B.IsNegative():
		return "a and b must not be negative"
	}
	return ""
}

func (req InsulinTypeRequest) apply(it *model.InsulinType) {
	it.Name = strings.TrimSpace(req.Name)
	it.Concept = req.Concept
	it.S = req.S.InexactFloat64()
	it.A = req.A.InexactFloat64()
	it.B = req.B.InexactFloat64()
}

// --- Parameter seeding ---

// GetParameters handles GET /api/v1/patients/{patientID}/parameters
// Returns the patient's latest observations, falling back to configured
// defaults, and flags which values are patient-specific.
func (s *Service) GetParameters(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	ctx := r.Context()

	obs, err := s.store.LatestObservations(ctx, patientID)
	if err != nil {
		writeError(w, "failed to load observations", http.StatusInternalServerError)
		return
	}
	unit, err := s.store.GlucoseUnit(ctx)
	if err != nil {
		writeError(w, "failed to load glucose unit", http.StatusInternalServerError)
		return
	}
	if unit == "" {
		unit = model.UnitMmolL
	}
	types, err := s.store.ListInsulinTypes(ctx, false)
	if err != nil {
		writeError(w, "failed to list insulin types", http.StatusInternalServerError)
		return
	}
	if types == nil {
		types = []model.InsulinType{}
	}

	resp := ParametersResponse{
		PatientID:       patientID,
		PatientSpecific: make(map[string]bool),
		GlucoseUnit:     unit,
		InsulinTypes:    types,
	}
	pick := func(concept string, observed, fallback *float64) *float64 {
		resp.PatientSpecific[concept] = observed != nil
		if observed != nil {
			return observed
		}
		return fallback
	}
	resp.Patient = model.PatientParams{
		Weight:          pick(model.ConceptWeight, obs.Weight, s.defaults.Weight),
		RTG:             pick(model.ConceptRTG, obs.RTG, s.defaults.RTG),
		CCR:             pick(model.ConceptCCR, obs.CCR, s.defaults.CCR),
		Sh:              pick(model.ConceptSh, obs.Sh, s.defaults.Sh),
		Sp:              pick(model.ConceptSp, obs.Sp, s.defaults.Sp),
		ArterialGlucose: s.defaults.ArterialGlucose,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// RecordObservation handles POST /api/v1/patients/{patientID}/observations
func (s *Service) RecordObservation(w http.ResponseWriter, r *http.Request) {
	var req ObservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !model.IsConcept(req.Concept) {
		writeError(w, "unknown concept "+strconv.Quote(req.Concept), http.StatusBadRequest)
		return
	}
	if !req.Value.IsPositive() {
		writeError(w, "value must be positive", http.StatusBadRequest)
		return
	}

	obs := &model.Observation{
		PatientID:  chi.URLParam(r, "patientID"),
		Concept:    req.Concept,
		Value:      req.Value.InexactFloat64(),
		ObservedAt: s.now().UTC(),
	}
	if req.ObservedAt != nil {
		obs.ObservedAt = req.ObservedAt.UTC()
	}

	if err := s.store.RecordObservation(r.Context(), obs); err != nil {
		writeStoreError(w, err)
		return
	}
	slog.Info("observation recorded", "patient", obs.PatientID, "concept", obs.Concept, "value", obs.Value)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(obs)
}

// --- Settings ---

// GetGlucoseUnit handles GET /api/v1/settings/glucose-unit
func (s *Service) GetGlucoseUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := s.store.GlucoseUnit(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if unit = model.CanonicalUnit(unit); unit == "" {
		unit = model.UnitMmolL
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GlucoseUnitRequest{Unit: unit})
}

// SetGlucoseUnit handles PUT /api/v1/settings/glucose-unit
// The new unit applies to runs started afterwards.
func (s *Service) SetGlucoseUnit(w http.ResponseWriter, r *http.Request) {
	var req GlucoseUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	unit := model.CanonicalUnit(req.Unit)
	if unit == "" {
		writeError(w, "unit must be "+model.UnitMmolL+" or "+model.UnitMgdL, http.StatusBadRequest)
		return
	}

	if err := s.store.SetGlucoseUnit(r.Context(), unit); err != nil {
		writeStoreError(w, err)
		return
	}
	slog.Info("glucose unit changed", "unit", unit)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GlucoseUnitRequest{Unit: unit})
}

// --- Simulation handlers ---

// RunSimulation handles POST /api/v1/simulations
// Runs one simulated day for the session (a new session when session_id is
// empty) and returns its current and previous runs.
func (s *Service) RunSimulation(w http.ResponseWriter, r *http.Request) {
	var req SimulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	insulinA, nameA, err := s.resolveInsulin(ctx, req.InsulinA, req.InsulinTypeA)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	insulinB, nameB, err := s.resolveInsulin(ctx, req.InsulinB, req.InsulinTypeB)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	mgr, live := s.session(sessionID)

	history, err := mgr.Run(ctx, Request{
		Patient:      req.Patient,
		InsulinA:     insulinA,
		InsulinB:     insulinB,
		InsulinNameA: nameA,
		InsulinNameB: nameB,
		Intake:       schedule.Input{Meals: req.Meals, Injections: req.Injections},
	})
	if err != nil {
		s.writeRunError(w, sessionID, err)
		return
	}
	if !live {
		s.register(sessionID, mgr)
	}

	run := history.Current
	metrics.SimulationsTotal.WithLabelValues("ok").Inc()
	metrics.SimulationDuration.Observe(run.ExecutionTime.Seconds())

	if s.archive != nil {
		if err := s.archive.SaveResults(ctx, history.Archive(sessionID, s.now())); err != nil {
			slog.Warn("archive results failed", "session", sessionID, "err", err)
		}
	}

	slog.Info("simulation completed",
		"session", sessionID,
		"run_id", run.ID,
		"unit", run.Unit,
		"meals", len(run.Meals),
		"injections_a", len(run.InjectionsA),
		"injections_b", len(run.InjectionsB),
		"duration_ms", run.ExecutionTime.Milliseconds(),
		"previous", history.ResultsAvailablePrevious,
	)

	// Broadcast completion via WebSocket.
	if s.wsHub != nil {
		s.wsHub.Broadcast(summarize(sessionID, run))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SimulationResponse{SessionID: sessionID, History: &history})
}

// GetSimulation handles GET /api/v1/simulations/{sessionID}
// Returns the live history, or the archived results once the session has
// been evicted.
func (s *Service) GetSimulation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()

	resp := SimulationResponse{SessionID: sessionID}
	if ok {
		h := sess.manager.History()
		resp.History = &h
	} else {
		if s.archive == nil {
			writeError(w, "session not found", http.StatusNotFound)
			return
		}
		rec, err := s.archive.LoadResults(r.Context(), sessionID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		resp.Archived = rec
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// PurgeExpired evicts sessions idle for longer than the session TTL and
// expired archive records. It returns the number of archive records removed.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.ttl)

	s.mu.Lock()
	evicted := 0
	for id, sess := range s.sessions {
		if sess.lastUsed.Before(cutoff) {
			delete(s.sessions, id)
			evicted++
		}
	}
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	if evicted > 0 {
		slog.Debug("evicted idle sessions", "count", evicted)
	}

	if s.archive == nil {
		return 0, nil
	}
	purged, err := s.archive.PurgeExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	metrics.ArchivePurged.Add(float64(purged))
	return purged, nil
}

// session returns the live manager of id, or a fresh unregistered one.
// A fresh manager is registered only once a run on it succeeds, so failed
// requests never shadow archived results.
func (s *Service) session(id string) (*Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.lastUsed = s.now()
		return sess.manager, true
	}
	return NewManager(s.store, WithClock(s.now)), false
}

// register installs m as the live manager of id. A concurrent first run of
// the same id that registered earlier is replaced.
func (s *Service) register(id string, m *Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[id] = &session{manager: m, lastUsed: s.now()}
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
}

// resolveInsulin returns explicit parameters when given, otherwise the
// catalog type's. With neither, the parameters stay nil and the engine
// reports them missing.
func (s *Service) resolveInsulin(ctx context.Context, explicit *model.InsulinParams, typeID string) (model.InsulinParams, string, error) {
	if explicit != nil {
		return *explicit, "", nil
	}
	if typeID == "" {
		return model.InsulinParams{}, "", nil
	}
	it, err := s.store.GetInsulinType(ctx, typeID)
	if err != nil {
		return model.InsulinParams{}, "", err
	}
	return it.Params(), it.Name, nil
}

func (s *Service) writeRunError(w http.ResponseWriter, sessionID string, err error) {
	var mpe *aida.MissingParameterError
	switch {
	case errors.Is(err, schedule.ErrParse), errors.Is(err, schedule.ErrTooManySlots):
		metrics.SimulationsTotal.WithLabelValues("parse_error").Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &mpe):
		metrics.SimulationsTotal.WithLabelValues("missing_parameter").Inc()
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		metrics.SimulationsTotal.WithLabelValues("error").Inc()
		slog.Error("simulation failed", "session", sessionID, "err", err)
		writeError(w, "simulation failed", http.StatusInternalServerError)
	}
}

// writeStoreError maps store errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrDuplicateName):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("store error", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
