// Package aida implements the glucose-insulin compartmental model of
// Lehmann and Deutsch (1992), the model behind the AIDA diabetes simulator.
//
// The model is a system of coupled first-order ODEs for plasma glucose,
// plasma insulin, the "active" insulin pool and the gut glucose pool,
// solved with fixed-step explicit Euler integration:
//   - step h = 1/60 hour, 1441 steps per simulated day (closing midnight included)
//   - three consecutive days, so the daily insulin/meal schedule reaches a
//     repeating steady state; only the third day is sampled
//   - hepatic glucose balance is looked up from a fixed table rather than modeled
//
// Simulate is stateless: every call starts from zero plasma levels.
package aida

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/atmx/glucose-engine/internal/model"
)

// Model constants.
const (
	c      = 0.015 // slope of peripheral glucose utilisation vs insulin (mmol/hr/kg per mU/L)
	gi     = 0.54  // insulin-independent glucose utilisation (mmol/hr/kg)
	gx     = 5.3   // reference glucose for utilisation (mmol/L)
	ibasal = 10.0  // reference basal insulin (mU/L)
	ke     = 5.4   // insulin elimination rate (/hr)
	k1     = 0.025 // active insulin build-up (/hr)
	k2     = 1.25  // active insulin deactivation (/hr)
	kgabs  = 1.0   // gut glucose absorption rate (/hr)
	km     = 10.0  // Michaelis constant for glucose uptake (mmol/L)
	vi     = 0.142 // insulin distribution volume (L/kg)
	vg     = 0.22  // glucose distribution volume (L/kg)
	vmaxge = 120.0 // maximal gastric emptying rate (mmol/hr)

	// H is the integration step in hours.
	H = 1.0 / 60.0

	// StepsPerDay is the number of steps in 24 hours; each day runs
	// StepsPerDay+1 steps so the closing midnight is included.
	StepsPerDay = 1440

	// Days is the number of simulated days; only the last is sampled.
	Days = 3

	// SampleInterval is the spacing of result samples.
	SampleInterval = 15 * time.Minute

	// SamplesPerDay is the number of samples in one result series.
	SamplesPerDay = StepsPerDay/15 + 1

	maxEffectiveInsulin = 10
)

// clockStep is the simulated clock advance per step, in whole minutes.
var clockStep = time.Duration(math.Round(60.0*H)) * time.Minute

// nhgbTable is the net hepatic glucose balance (mmol/hr) from Guyton et al.
// Rows are indexed by effective insulin 0..10, columns by arterial glucose
// (<=1.1, between, >=4.4 mmol/L).
var nhgbTable = [maxEffectiveInsulin + 1][3]float64{
	{291.6, 160.0, 78.3},
	{194.6, 114.6, 53.3},
	{129.3, 66.0, -1.7},
	{95.7, 46.3, -54.3},
	{85.0, 22.6, -76.0},
	{76.3, 4.3, -85.0},
	{69.0, -10.0, -92.0},
	{62.0, -25.3, -97.3},
	{52.0, -43.3, -101.0},
	{48.0, -47.3, -104.0},
	{41.7, -49.3, -106.7},
}

var (
	// ErrMissingParameter is matched by every *MissingParameterError.
	ErrMissingParameter = errors.New("aida: missing parameter")

	// ErrEffectiveInsulinRange is returned when the hepatic balance table is
	// indexed outside its rows.
	ErrEffectiveInsulinRange = errors.New("aida: effective insulin outside hepatic balance table")
)

// MissingParameterError names the first required parameter that was nil.
type MissingParameterError struct {
	Param string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("aida: parameter %s must be set before running", e.Param)
}

// Is makes errors.Is(err, ErrMissingParameter) hold.
func (e *MissingParameterError) Is(target error) bool { return target == ErrMissingParameter }

// Input is everything one simulation needs.
type Input struct {
	// Day is midnight of the simulated calendar day. Event series are
	// matched against Day plus whole minutes.
	Day time.Time

	Patient  model.PatientParams
	InsulinA model.InsulinParams
	InsulinB model.InsulinParams

	Meals       model.Series // carbohydrate, g
	InjectionsA model.Series // insulin A, U
	InjectionsB model.Series // insulin B, U
}

// Result holds the third-day samples, every 15 minutes.
type Result struct {
	Glucose model.Series // plasma glucose, mmol/L
	Insulin model.Series // plasma insulin, mU/L
}

// params is the validated, dereferenced form of Input.
type params struct {
	weight, rtg, ccr, sh, sp, ag float64
	a, b                         absorption
}

func resolve(in Input) (params, error) {
	required := []struct {
		name string
		v    *float64
	}{
		{"arterial_glucose", in.Patient.ArterialGlucose},
		{"rtg", in.Patient.RTG},
		{"ccr", in.Patient.CCR},
		{"sh", in.Patient.Sh},
		{"sp", in.Patient.Sp},
		{"weight", in.Patient.Weight},
		{"insulin_a.s", in.InsulinA.S},
		{"insulin_a.a", in.InsulinA.A},
		{"insulin_a.b", in.InsulinA.B},
		{"insulin_b.s", in.InsulinB.S},
		{"insulin_b.a", in.InsulinB.A},
		{"insulin_b.b", in.InsulinB.B},
	}
	for _, r := range required {
		if r.v == nil {
			return params{}, &MissingParameterError{Param: r.name}
		}
	}

	p := in.Patient
	return params{
		weight: *p.Weight,
		rtg:    *p.RTG,
		ccr:    *p.CCR,
		sh:     *p.Sh,
		sp:     *p.Sp,
		ag:     *p.ArterialGlucose,
		a:      absorption{s: *in.InsulinA.S, a: *in.InsulinA.A, b: *in.InsulinA.B},
		b:      absorption{s: *in.InsulinB.S, a: *in.InsulinB.A, b: *in.InsulinB.B},
	}, nil
}

// Simulate runs the three-day integration and returns the third day's
// samples. It fails only on missing parameters.
func Simulate(in Input) (*Result, error) {
	p, err := resolve(in)
	if err != nil {
		return nil, err
	}

	meals := eventsByStep(in.Day, in.Meals)
	injA := eventsByStep(in.Day, in.InjectionsA)
	injB := eventsByStep(in.Day, in.InjectionsB)

	var (
		g, i, ia, ggut float64
		ie             = effectiveInsulin(p.sh, i)
		stomach        = newGastric()

		// Ia at the same step index on day 0 and day 1.
		ia48, ia24 [StepsPerDay + 1]float64
	)

	res := &Result{
		Glucose: make(model.Series, SamplesPerDay),
		Insulin: make(model.Series, SamplesPerDay),
	}

	for day := 0; day < Days; day++ {
		now := in.Day
		for j := 0; j <= StepsPerDay; j++ {
			// (4) insulin absorption bookkeeping per channel
			p.a.step(injA[j])
			p.b.step(injB[j])

			switch day {
			case 0:
				ia48[j] = ia
			case 1:
				ia24[j] = ia
			}

			// (3) absorption rate
			iabs := p.a.rate() + p.b.rate()

			// (5b) steady-state active insulin, (6) equilibrium insulin
			var iass float64
			switch day {
			case 0:
				iass = 3.0 * ia
			case 1:
				iass = 2.0*ia + ia48[j]
			default:
				iass = ia + ia24[j] + ia48[j]
			}
			ieq := k2 * iass / k1

			nhgb, err := hepaticBalance(ie, p.ag)
			if err != nil {
				return nil, err
			}

			// (8) peripheral and CNS glucose utilisation
			gout := (g * ((c*p.weight)*p.sp*ieq + gi*p.weight) * (km + gx)) / (gx * (km + g))

			// (9)-(14) gastric emptying and gut absorption
			gempt := stomach.step(meals[j])
			ggut += H * (gempt - kgabs*ggut)
			if ggut < 0 {
				ggut = 0
			}
			gin := kgabs * ggut

			// (15) renal excretion above threshold; CCR mL/min -> L/hr
			var gren float64
			if g > p.rtg {
				gren = (p.ccr * 60.0 / 1000.0) * (g - p.rtg)
			}

			// (7) plasma glucose
			g += H * ((gin + nhgb - gout - gren) / (vg * p.weight))
			if g < 0 {
				g = 0
			}

			// (1) plasma insulin
			i += H * (iabs*(vi*p.weight) - ke*i)
			if i < 0 {
				i = 0
			}

			// (2) active insulin pool
			ia += H * (k1*i - k2*ia)

			ie = effectiveInsulin(p.sh, i)

			if day == Days-1 && isSampleMinute(now) {
				res.Glucose[now] = g
				res.Insulin[now] = i
			}

			now = now.Add(clockStep)
		}
	}

	return res, nil
}

func isSampleMinute(t time.Time) bool {
	switch t.Minute() {
	case 0, 15, 30, 45:
		return t.Second() == 0
	}
	return false
}

// event is an intake at one step; ok is false when nothing happens.
type event struct {
	ok     bool
	amount float64
}

// eventsByStep projects a series onto step indexes of day. Entries that do
// not fall on a whole step of the day are dropped; they never match the
// simulated clock.
func eventsByStep(day time.Time, s model.Series) []event {
	out := make([]event, StepsPerDay+1)
	for t, v := range s {
		off := t.Sub(day)
		if off < 0 || off%clockStep != 0 {
			continue
		}
		if j := int(off / clockStep); j <= StepsPerDay {
			out[j] = event{ok: true, amount: v}
		}
	}
	return out
}

// effectiveInsulin is the hepatic balance row index: trunc(sh*I/Ibasal)
// clamped to [0, 10].
func effectiveInsulin(sh, i float64) int {
	v := sh * i / ibasal
	if v >= maxEffectiveInsulin {
		return maxEffectiveInsulin
	}
	ie := int(v)
	if ie < 0 {
		return 0
	}
	return ie
}

// hepaticBalance looks up the net hepatic glucose balance (mmol/hr).
func hepaticBalance(ie int, ag float64) (float64, error) {
	if ie < 0 || ie > maxEffectiveInsulin {
		return 0, fmt.Errorf("%w: %d", ErrEffectiveInsulinRange, ie)
	}
	switch {
	case ag <= 1.1:
		return nhgbTable[ie][0], nil
	case ag >= 4.4:
		return nhgbTable[ie][2], nil
	default:
		return nhgbTable[ie][1], nil
	}
}
