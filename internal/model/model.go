// Package model defines the core domain types shared across the glucose engine.
// Physiological quantities are plain float64; nil pointers mark parameters the
// caller did not supply.
package model

import (
	"sort"
	"strings"
	"time"
)

// Glucose display units.
const (
	UnitMmolL = "mmol/L"
	UnitMgdL  = "mg/dL"
)

// MgdlPerMmol converts plasma glucose from mmol/L to mg/dL.
const MgdlPerMmol = 18.0

// IsMgdl reports whether unit names mg/dL, ignoring case.
func IsMgdl(unit string) bool {
	return strings.EqualFold(strings.TrimSpace(unit), UnitMgdL)
}

// Series maps whole-minute timestamps of one calendar day to a quantity:
// grams of carbohydrate, insulin units, or a sampled plasma level.
type Series map[time.Time]float64

// Point is one timestamped value of a Series.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Points returns the series ordered by time.
func (s Series) Points() []Point {
	points := make([]Point, 0, len(s))
	for t, v := range s {
		points = append(points, Point{Time: t, Value: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return points
}

// Scale returns a copy of the series with every value multiplied by factor.
func (s Series) Scale(factor float64) Series {
	out := make(Series, len(s))
	for t, v := range s {
		out[t] = v * factor
	}
	return out
}

// Float64 returns a pointer to v. Used to fill optional parameters.
func Float64(v float64) *float64 {
	return &v
}

// PatientParams are the patient-specific inputs of the simulation.
// Every field is required by the engine; nil means "not supplied".
type PatientParams struct {
	Weight          *float64 `json:"weight"`           // kg
	RTG             *float64 `json:"rtg"`              // renal threshold of glucose, mmol/L
	CCR             *float64 `json:"ccr"`              // creatinine clearance, mL/min
	Sh              *float64 `json:"sh"`               // hepatic insulin sensitivity
	Sp              *float64 `json:"sp"`               // peripheral insulin sensitivity
	ArterialGlucose *float64 `json:"arterial_glucose"` // initial arterial glucose, mmol/L
}

// InsulinParams is the pharmacodynamic triple of one insulin preparation.
// T50 = A*dose + B; S shapes the absorption curve.
type InsulinParams struct {
	S *float64 `json:"s"`
	A *float64 `json:"a"`
	B *float64 `json:"b"`
}

// InsulinType is a named insulin preparation from the catalog.
type InsulinType struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Concept      string     `json:"concept,omitempty"`
	S            float64    `json:"s"`
	A            float64    `json:"a"`
	B            float64    `json:"b"`
	Retired      bool       `json:"retired"`
	RetireReason string     `json:"retire_reason,omitempty"`
	RetiredAt    *time.Time `json:"retired_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Params returns the engine triple for this preparation.
func (t InsulinType) Params() InsulinParams {
	return InsulinParams{S: Float64(t.S), A: Float64(t.A), B: Float64(t.B)}
}

// Observation concepts recognised by the patient directory.
const (
	ConceptWeight = "weight"
	ConceptRTG    = "rtg"
	ConceptCCR    = "ccr"
	ConceptSh     = "sh"
	ConceptSp     = "sp"
)

// IsConcept reports whether concept is one of the simulation concepts.
func IsConcept(concept string) bool {
	switch concept {
	case ConceptWeight, ConceptRTG, ConceptCCR, ConceptSh, ConceptSp:
		return true
	}
	return false
}

// CanonicalUnit returns the canonical spelling of a glucose unit, or "" if
// unit is neither mmol/L nor mg/dL.
func CanonicalUnit(unit string) string {
	switch {
	case IsMgdl(unit):
		return UnitMgdL
	case strings.EqualFold(strings.TrimSpace(unit), UnitMmolL):
		return UnitMmolL
	}
	return ""
}

// Observation is one recorded value of a simulation concept for a patient.
type Observation struct {
	PatientID  string    `json:"patient_id"`
	Concept    string    `json:"concept"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// Observations holds the latest recorded value per simulation concept for
// one patient. Missing concepts are nil.
type Observations struct {
	PatientID string   `json:"patient_id"`
	Weight    *float64 `json:"weight,omitempty"`
	RTG       *float64 `json:"rtg,omitempty"`
	CCR       *float64 `json:"ccr,omitempty"`
	Sh        *float64 `json:"sh,omitempty"`
	Sp        *float64 `json:"sp,omitempty"`
}

// Set records value under concept. Unknown concepts are ignored.
func (o *Observations) Set(concept string, value float64) {
	switch concept {
	case ConceptWeight:
		o.Weight = Float64(value)
	case ConceptRTG:
		o.RTG = Float64(value)
	case ConceptCCR:
		o.CCR = Float64(value)
	case ConceptSh:
		o.Sh = Float64(value)
	case ConceptSp:
		o.Sp = Float64(value)
	}
}

// Run is one completed simulation together with the inputs that produced it.
type Run struct {
	ID            string        `json:"id"`
	StartedAt     time.Time     `json:"started_at"`
	Unit          string        `json:"unit"`
	ExecutionTime time.Duration `json:"execution_time_ns"`

	Patient      PatientParams `json:"patient"`
	InsulinA     InsulinParams `json:"insulin_a"`
	InsulinB     InsulinParams `json:"insulin_b"`
	InsulinNameA string        `json:"insulin_name_a,omitempty"`
	InsulinNameB string        `json:"insulin_name_b,omitempty"`
	Meals        Series        `json:"meals"`
	InjectionsA  Series        `json:"injections_a"`
	InjectionsB  Series        `json:"injections_b"`

	Glucose Series `json:"glucose"`
	Insulin Series `json:"insulin"`
}

// HasResults reports whether both result series are non-empty.
func (r *Run) HasResults() bool {
	return r != nil && len(r.Glucose) > 0 && len(r.Insulin) > 0
}

// History is the two-slot run record of one simulation session.
type History struct {
	Current                  *Run `json:"current,omitempty"`
	Previous                 *Run `json:"previous,omitempty"`
	ResultsAvailableCurrent  bool `json:"results_available_current"`
	ResultsAvailablePrevious bool `json:"results_available_previous"`
}

// ArchivedResults is the serialized form of a session's history kept by the
// result archive.
type ArchivedResults struct {
	SessionID       string    `json:"session_id"`
	SavedAt         time.Time `json:"saved_at"`
	Unit            string    `json:"unit"`
	GlucoseCurrent  Series    `json:"glucose_current,omitempty"`
	InsulinCurrent  Series    `json:"insulin_current,omitempty"`
	GlucosePrevious Series    `json:"glucose_previous,omitempty"`
	InsulinPrevious Series    `json:"insulin_previous,omitempty"`
	MealsCurrent    Series    `json:"meals_current,omitempty"`
	MealsPrevious   Series    `json:"meals_previous,omitempty"`
	InjectionsA     Series    `json:"injections_a,omitempty"`
	InjectionsB     Series    `json:"injections_b,omitempty"`
}

// Archive builds the archive record for h. Only runs with results are kept.
func (h History) Archive(sessionID string, savedAt time.Time) *ArchivedResults {
	rec := &ArchivedResults{SessionID: sessionID, SavedAt: savedAt}
	if h.ResultsAvailableCurrent {
		rec.Unit = h.Current.Unit
		rec.GlucoseCurrent = h.Current.Glucose
		rec.InsulinCurrent = h.Current.Insulin
		rec.MealsCurrent = h.Current.Meals
		rec.InjectionsA = h.Current.InjectionsA
		rec.InjectionsB = h.Current.InjectionsB
	}
	if h.ResultsAvailablePrevious {
		rec.GlucosePrevious = h.Previous.Glucose
		rec.InsulinPrevious = h.Previous.Insulin
		rec.MealsPrevious = h.Previous.Meals
	}
	return rec
}
