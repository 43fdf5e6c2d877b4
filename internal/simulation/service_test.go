package simulation_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/glucose-engine/internal/model"
	"github.com/atmx/glucose-engine/internal/schedule"
	"github.com/atmx/glucose-engine/internal/simulation"
	"github.com/atmx/glucose-engine/internal/store"
)

// testClock is a settable clock shared by the service and its managers.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc    *simulation.Service
	store  *store.MemoryStore
	clock  *testClock
	router chi.Router
}

// newTestEnv creates a test Service with in-memory store and archive and a
// chi router. Sessions live 30 minutes, archived results 2 hours.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	archive := store.NewMemoryArchive(2 * time.Hour)
	clk := &testClock{now: time.Date(2025, time.March, 14, 10, 0, 0, 0, time.UTC)}

	svc := simulation.NewService(ms, archive, nil, simulation.ServiceConfig{
		Defaults: model.PatientParams{
			Weight:          model.Float64(75),
			RTG:             model.Float64(9.0),
			CCR:             model.Float64(100.0),
			Sh:              model.Float64(0.5),
			Sp:              model.Float64(0.5),
			ArterialGlucose: model.Float64(4.4),
		},
		SessionTTL: 30 * time.Minute,
		Clock:      clk.Now,
	})

	r := chi.NewRouter()
	r.Get("/api/v1/insulin-types", svc.ListInsulinTypes)
	r.Post("/api/v1/insulin-types", svc.CreateInsulinType)
	r.Get("/api/v1/insulin-types/{id}", svc.GetInsulinType)
	r.Put("/api/v1/insulin-types/{id}", svc.UpdateInsulinType)
	r.Post("/api/v1/insulin-types/{id}/retire", svc.RetireInsulinType)
	r.Post("/api/v1/insulin-types/{id}/unretire", svc.UnretireInsulinType)
	r.Delete("/api/v1/insulin-types/{id}", svc.PurgeInsulinType)
	r.Get("/api/v1/patients/{patientID}/parameters", svc.GetParameters)
	r.Post("/api/v1/patients/{patientID}/observations", svc.RecordObservation)
	r.Get("/api/v1/settings/glucose-unit", svc.GetGlucoseUnit)
	r.Put("/api/v1/settings/glucose-unit", svc.SetGlucoseUnit)
	r.Post("/api/v1/simulations", svc.RunSimulation)
	r.Get("/api/v1/simulations/{sessionID}", svc.GetSimulation)

	return &testEnv{svc: svc, store: ms, clock: clk, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// seedInsulin stores a catalog type directly.
func seedInsulin(t *testing.T, ms *store.MemoryStore, id, name string, s, a, b float64) {
	t.Helper()
	err := ms.SaveInsulinType(context.Background(), &model.InsulinType{
		ID: id, Name: name, S: s, A: a, B: b, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed insulin type: %v", err)
	}
}

func referenceSimulation(sessionID string) simulation.SimulationRequest {
	return simulation.SimulationRequest{
		SessionID: sessionID,
		Patient: model.PatientParams{
			Weight:          model.Float64(80),
			RTG:             model.Float64(9.0),
			CCR:             model.Float64(100.0),
			Sh:              model.Float64(0.5),
			Sp:              model.Float64(0.5),
			ArterialGlucose: model.Float64(4.4),
		},
		InsulinTypeA: "regular",
		InsulinTypeB: "nph",
		Meals: []schedule.MealSlot{
			{Time: "0800", Carbs: "80"},
			{Time: "1200", Carbs: "70"},
			{Time: "1900", Carbs: "60"},
		},
		Injections: []schedule.InjectionSlot{
			{Time: "0730", DoseA: "6", DoseB: "14"},
			{Time: "1830", DoseA: "6", DoseB: "8"},
		},
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return v
}

// --- Insulin-type catalog ---

func TestInsulinTypes_CreateGetUpdate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/insulin-types", map[string]any{
		"name": "Regular", "s": 2.0, "a": "0.05", "b": 1.7,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decode[model.InsulinType](t, w)
	if created.ID == "" || created.A != 0.05 || created.B != 1.7 {
		t.Errorf("unexpected insulin type: %+v", created)
	}

	w = env.do(t, "GET", "/api/v1/insulin-types/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = env.do(t, "PUT", "/api/v1/insulin-types/"+created.ID, map[string]any{
		"name": "Regular", "s": 2.0, "a": 0.05, "b": 1.9,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[model.InsulinType](t, w); got.B != 1.9 || got.ID != created.ID {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestInsulinTypes_Validation(t *testing.T) {
	env := newTestEnv(t)
	seedInsulin(t, env.store, "regular", "Regular", 2.0, 0.05, 1.7)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing name", map[string]any{"s": 2.0}, http.StatusBadRequest},
		{"zero s", map[string]any{"name": "X", "s": 0}, http.StatusBadRequest},
		{"negative b", map[string]any{"name": "X", "s": 2, "b": -1}, http.StatusBadRequest},
		{"duplicate name", map[string]any{"name": "Regular", "s": 2.0}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "POST", "/api/v1/insulin-types", tt.body); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	if w := env.do(t, "GET", "/api/v1/insulin-types/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestInsulinTypes_RetireUnretirePurge(t *testing.T) {
	env := newTestEnv(t)
	seedInsulin(t, env.store, "regular", "Regular", 2.0, 0.05, 1.7)
	seedInsulin(t, env.store, "nph", "NPH", 2.0, 0.18, 4.9)

	if w := env.do(t, "POST", "/api/v1/insulin-types/regular/retire", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("retire without reason: expected 400, got %d", w.Code)
	}

	w := env.do(t, "POST", "/api/v1/insulin-types/regular/retire", map[string]string{"reason": "discontinued"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[model.InsulinType](t, w); !got.Retired || got.RetireReason != "discontinued" {
		t.Errorf("expected retired type, got %+v", got)
	}

	active := decode[[]model.InsulinType](t, env.do(t, "GET", "/api/v1/insulin-types", nil))
	if len(active) != 1 || active[0].ID != "nph" {
		t.Errorf("expected only NPH active, got %+v", active)
	}
	all := decode[[]model.InsulinType](t, env.do(t, "GET", "/api/v1/insulin-types?include_retired=true", nil))
	if len(all) != 2 {
		t.Errorf("expected 2 types including retired, got %d", len(all))
	}

	w = env.do(t, "POST", "/api/v1/insulin-types/regular/unretire", nil)
	if got := decode[model.InsulinType](t, w); got.Retired || got.RetireReason != "" {
		t.Errorf("expected unretired type, got %+v", got)
	}

	if w := env.do(t, "DELETE", "/api/v1/insulin-types/regular", nil); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/v1/insulin-types/regular", nil); w.Code != http.StatusNotFound {
		t.Errorf("second purge: expected 404, got %d", w.Code)
	}
}

// --- Parameter seeding ---

func TestGetParameters_ObservationsOverDefaults(t *testing.T) {
	env := newTestEnv(t)
	seedInsulin(t, env.store, "regular", "Regular", 2.0, 0.05, 1.7)
	ctx := context.Background()
	for _, o := range []model.Observation{
		{PatientID: "p1", Concept: model.ConceptWeight, Value: 68, ObservedAt: env.clock.Now().Add(-48 * time.Hour)},
		{PatientID: "p1", Concept: model.ConceptWeight, Value: 71, ObservedAt: env.clock.Now().Add(-time.Hour)},
		{PatientID: "p1", Concept: model.ConceptSp, Value: 0.7, ObservedAt: env.clock.Now()},
	} {
		if err := env.store.RecordObservation(ctx, &o); err != nil {
			t.Fatalf("record observation: %v", err)
		}
	}

	w := env.do(t, "GET", "/api/v1/patients/p1/parameters", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[simulation.ParametersResponse](t, w)

	if *resp.Patient.Weight != 71 || !resp.PatientSpecific[model.ConceptWeight] {
		t.Errorf("expected latest weight 71 flagged patient-specific, got %v %v",
			*resp.Patient.Weight, resp.PatientSpecific[model.ConceptWeight])
	}
	if *resp.Patient.Sp != 0.7 || !resp.PatientSpecific[model.ConceptSp] {
		t.Errorf("expected sp 0.7 patient-specific")
	}
	if *resp.Patient.RTG != 9.0 || resp.PatientSpecific[model.ConceptRTG] {
		t.Errorf("expected default rtg 9.0, got %v", *resp.Patient.RTG)
	}
	if *resp.Patient.ArterialGlucose != 4.4 {
		t.Errorf("expected initial arterial glucose 4.4, got %v", *resp.Patient.ArterialGlucose)
	}
	if resp.GlucoseUnit != model.UnitMmolL {
		t.Errorf("expected mmol/L without configured unit, got %q", resp.GlucoseUnit)
	}
	if len(resp.InsulinTypes) != 1 {
		t.Errorf("expected 1 insulin type, got %d", len(resp.InsulinTypes))
	}
}

func TestRecordObservation_FeedsParameters(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/patients/p2/observations", map[string]any{"concept": "weight", "value": 64.5})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	obs := decode[model.Observation](t, w)
	if obs.PatientID != "p2" || obs.Value != 64.5 || !obs.ObservedAt.Equal(env.clock.Now()) {
		t.Errorf("unexpected observation: %+v", obs)
	}

	resp := decode[simulation.ParametersResponse](t, env.do(t, "GET", "/api/v1/patients/p2/parameters", nil))
	if *resp.Patient.Weight != 64.5 || !resp.PatientSpecific[model.ConceptWeight] {
		t.Errorf("expected recorded weight 64.5 flagged patient-specific, got %v %v",
			*resp.Patient.Weight, resp.PatientSpecific[model.ConceptWeight])
	}
	if resp.PatientSpecific[model.ConceptCCR] {
		t.Error("ccr was never observed")
	}
}

func TestRecordObservation_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{"unknown concept", map[string]any{"concept": "height", "value": 180}},
		{"zero value", map[string]any{"concept": "weight", "value": 0}},
		{"negative value", map[string]any{"concept": "sh", "value": -0.2}},
		{"no body", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "POST", "/api/v1/patients/p1/observations", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestSetGlucoseUnit_AppliesToNextRun(t *testing.T) {
	env := newTestEnv(t)
	seedInsulin(t, env.store, "regular", "Regular", 2.0, 0.05, 1.7)
	seedInsulin(t, env.store, "nph", "NPH", 2.0, 0.18, 4.9)

	unit := decode[simulation.GlucoseUnitRequest](t, env.do(t, "GET", "/api/v1/settings/glucose-unit", nil))
	if unit.Unit != model.UnitMmolL {
		t.Errorf("default unit = %q, want mmol/L", unit.Unit)
	}

	if w := env.do(t, "POST", "/api/v1/simulations", referenceSimulation("s1")); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w := env.do(t, "PUT", "/api/v1/settings/glucose-unit", simulation.GlucoseUnitRequest{Unit: "MG/DL"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[simulation.GlucoseUnitRequest](t, w); got.Unit != model.UnitMgdL {
		t.Errorf("stored unit = %q, want mg/dL", got.Unit)
	}

	resp := decode[simulation.SimulationResponse](t, env.do(t, "POST", "/api/v1/simulations", referenceSimulation("s1")))
	h := resp.History
	if h.Current.Unit != model.UnitMgdL || h.Previous.Unit != model.UnitMmolL {
		t.Fatalf("units = %q/%q, want mg/dL then mmol/L", h.Current.Unit, h.Previous.Unit)
	}
	for ts, g := range h.Previous.Glucose {
		if got := h.Current.Glucose[ts]; got != g*18.0 {
			t.Fatalf("glucose at %s = %v, want %v", ts, got, g*18.0)
		}
	}

	if w := env.do(t, "PUT", "/api/v1/settings/glucose-unit", simulation.GlucoseUnitRequest{Unit: "mg%"}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown unit, got %d", w.Code)
	}
}

// --- Simulations ---

func TestRunSimulation_NewSession(t *testing.T) {
	env := newTestEnv(t)
	seedInsulin(t, env.store, "regular", "Regular", 2.0, 0.05, 1.7)
	seedInsulin(t, env.store, "nph", "NPH", 2.0, 0.18, 4.9)

	w := env.do(t, "POST", "/api/v1/simulations", referenceSimulation(""))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[simulation.SimulationResponse](t, w)

	if resp.SessionID == "" {
		t.Fatal("expected a generated session_id")
	}
	h := resp.History
	if h == nil || !h.ResultsAvailableCurrent || h.ResultsAvailablePrevious {
		t.Fatalf("unexpected history flags: %+v", h)
	}
	if len(h.Current.Glucose) != 97 || len(h.Current.Insulin) != 97 {
		t.Errorf("expected 97 samples, got %d/%d", len(h.Current.Glucose), len(h.Current.Insulin))
	}
	if h.Current.InsulinNameA != "Regular" || h.Current.InsulinNameB != "NPH" {
		t.Errorf("insulin names not recorded: %q %q", h.Current.InsulinNameA, h.Current.InsulinNameB)
	}
	for ts, g := range h.Current.Glucose {
		if g < 0 {
			t.Errorf("negative glucose at %s", ts)
		}
	}
}

func TestRunSimulation_SameSessionKeepsPrevious(t *testing.T) {
	env := newTestEnv(t)
	seedInsulin(t, env.store, "regular", "Regular", 2.0, 0.05, 1.7)
	seedInsulin(t, env.store, "nph", "NPH", 2.0, 0.18, 4.9)

	first := decode[simulation.SimulationResponse](t, env.do(t, "POST", "/api/v1/simulations", referenceSimulation("s1")))
	second := decode[simulation.SimulationResponse](t, env.do(t, "POST", "/api/v1/simulations", referenceSimulation("s1")))

	if !second.History.ResultsAvailablePrevious {
		t.Fatal("expected previous results on second run")
	}
	if second.History.Previous.ID != first.History.Current.ID {
		t.Errorf("previous run %s, want %s", second.History.Previous.ID, first.History.Current.ID)
	}
	for ts, g := range first.History.Current.Glucose {
		if second.History.Previous.Glucose[ts] != g {
			t.Fatalf("previous glucose at %s = %v, want %v", ts, second.History.Previous.Glucose[ts], g)
		}
	}
}

func TestRunSimulation_MgdlUnit(t *testing.T) {
	env := newTestEnv(t)
	seedInsulin(t, env.store, "regular", "Regular", 2.0, 0.05, 1.7)
	seedInsulin(t, env.store, "nph", "NPH", 2.0, 0.18, 4.9)

	mmol := decode[simulation.SimulationResponse](t, env.do(t, "POST", "/api/v1/simulations", referenceSimulation("a")))

	if err := env.store.SetGlucoseUnit(context.Background(), "mg/dl"); err != nil {
		t.Fatal(err)
	}
	mgdl := decode[simulation.SimulationResponse](t, env.do(t, "POST", "/api/v1/simulations", referenceSimulation("b")))

	if mgdl.History.Current.Unit != model.UnitMgdL {
		t.Errorf("unit = %q, want mg/dL", mgdl.History.Current.Unit)
	}
	for ts, g := range mmol.History.Current.Glucose {
		if got := mgdl.History.Current.Glucose[ts]; got != g*18.0 {
			t.Fatalf("glucose at %s = %v, want %v", ts, got, g*18.0)
		}
	}
}

func TestRunSimulation_Errors(t *testing.T) {
	env := newTestEnv(t)
	seedInsulin(t, env.store, "regular", "Regular", 2.0, 0.05, 1.7)
	seedInsulin(t, env.store, "nph", "NPH", 2.0, 0.18, 4.9)

	badCarbs := referenceSimulation("")
	badCarbs.Meals[1].Carbs = "seventy"

	badTime := referenceSimulation("")
	badTime.Injections[0].Time = "7h30"

	missingWeight := referenceSimulation("")
	missingWeight.Patient.Weight = nil

	noInsulinB := referenceSimulation("")
	noInsulinB.InsulinTypeB = ""

	unknownType := referenceSimulation("")
	unknownType.InsulinTypeA = "lispro"

	tests := []struct {
		name string
		req  simulation.SimulationRequest
		want int
	}{
		{"malformed carbs", badCarbs, http.StatusBadRequest},
		{"malformed time", badTime, http.StatusBadRequest},
		{"missing weight", missingWeight, http.StatusUnprocessableEntity},
		{"missing insulin B", noInsulinB, http.StatusUnprocessableEntity},
		{"unknown insulin type", unknownType, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "POST", "/api/v1/simulations", tt.req); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	if w := env.do(t, "POST", "/api/v1/simulations", nil); w.Code != http.StatusBadRequest {
		t.Errorf("empty body: expected 400, got %d", w.Code)
	}
}

func TestRunSimulation_ExplicitInsulinParams(t *testing.T) {
	env := newTestEnv(t)

	req := referenceSimulation("")
	req.InsulinTypeA, req.InsulinTypeB = "", ""
	req.InsulinA = &model.InsulinParams{S: model.Float64(2.0), A: model.Float64(0.05), B: model.Float64(1.7)}
	req.InsulinB = &model.InsulinParams{S: model.Float64(2.0), A: model.Float64(0.18), B: model.Float64(4.9)}

	if w := env.do(t, "POST", "/api/v1/simulations", req); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetSimulation_LiveThenArchived(t *testing.T) {
	env := newTestEnv(t)
	seedInsulin(t, env.store, "regular", "Regular", 2.0, 0.05, 1.7)
	seedInsulin(t, env.store, "nph", "NPH", 2.0, 0.18, 4.9)
	ctx := context.Background()

	if w := env.do(t, "POST", "/api/v1/simulations", referenceSimulation("s1")); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	live := decode[simulation.SimulationResponse](t, env.do(t, "GET", "/api/v1/simulations/s1", nil))
	if live.History == nil || !live.History.ResultsAvailableCurrent {
		t.Fatalf("expected live history, got %+v", live)
	}

	// Past the session TTL but within the archive TTL.
	env.clock.Advance(45 * time.Minute)
	if _, err := env.svc.PurgeExpired(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	w := env.do(t, "GET", "/api/v1/simulations/s1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected archived fallback, got %d", w.Code)
	}
	archived := decode[simulation.SimulationResponse](t, w)
	if archived.History != nil || archived.Archived == nil {
		t.Fatalf("expected archived results only, got %+v", archived)
	}
	if len(archived.Archived.GlucoseCurrent) != 97 || len(archived.Archived.MealsCurrent) != 3 {
		t.Errorf("archived sizes = %d/%d, want 97/3",
			len(archived.Archived.GlucoseCurrent), len(archived.Archived.MealsCurrent))
	}

	// Past the archive TTL.
	env.clock.Advance(2 * time.Hour)
	n, err := env.svc.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 archive record purged, got %d", n)
	}
	if w := env.do(t, "GET", "/api/v1/simulations/s1", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after expiry, got %d", w.Code)
	}
}

func TestRunSimulation_FailedRunLeavesNoSession(t *testing.T) {
	env := newTestEnv(t)
	seedInsulin(t, env.store, "regular", "Regular", 2.0, 0.05, 1.7)
	seedInsulin(t, env.store, "nph", "NPH", 2.0, 0.18, 4.9)
	ctx := context.Background()

	bad := referenceSimulation("ghost")
	bad.Meals[0].Carbs = "eighty"
	if w := env.do(t, "POST", "/api/v1/simulations", bad); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/simulations/ghost", nil); w.Code != http.StatusNotFound {
		t.Errorf("failed run should not create a session, got %d", w.Code)
	}

	// An evicted session keeps serving its archive after a failed retry.
	if w := env.do(t, "POST", "/api/v1/simulations", referenceSimulation("s1")); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	env.clock.Advance(45 * time.Minute)
	if _, err := env.svc.PurgeExpired(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	bad.SessionID = "s1"
	if w := env.do(t, "POST", "/api/v1/simulations", bad); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	resp := decode[simulation.SimulationResponse](t, env.do(t, "GET", "/api/v1/simulations/s1", nil))
	if resp.History != nil || resp.Archived == nil {
		t.Errorf("expected archived results, got %+v", resp)
	}
}

func TestGetSimulation_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, "GET", "/api/v1/simulations/nobody", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
