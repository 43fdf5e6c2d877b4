package aida

import "math"

// absorption tracks subcutaneous absorption of one insulin channel.
type absorption struct {
	s, a, b float64 // preparation parameters

	dose    float64 // D, units of the last injection
	t50     float64 // time to 50% absorption of dose, hr
	elapsed int     // steps since the last injection
}

// step registers an injection at this step, or advances the clock of an
// already active dose.
func (ab *absorption) step(ev event) {
	if ev.ok {
		ab.elapsed = 0
		ab.dose = ev.amount
		ab.t50 = ab.a*ab.dose + ab.b
		return
	}
	if ab.dose > 0 {
		ab.elapsed++
	}
}

// rate is the absorption rate Iabs (U/hr):
//
//	Iabs(t) = s * t^s * T50 * D / (t * (T50 + t^s)^2)
func (ab *absorption) rate() float64 {
	if ab.elapsed <= 0 {
		return 0
	}
	t := float64(ab.elapsed) * H
	ts := math.Pow(t, ab.s)
	return (ab.s * ts * ab.t50 * ab.dose) / (t * math.Pow(ab.t50+ts, 2.0))
}

// gastric models gastric emptying of the last meal as a trapezoid: linear
// ascent to Vmaxge, a plateau, then linear descent.
type gastric struct {
	ch      float64 // glucose equivalent of the last meal, mmol
	elapsed int     // steps since the last meal

	tasc, tmax, tdes float64 // branch durations, hr
}

func newGastric() *gastric {
	return &gastric{tasc: 0.5, tdes: 0.5}
}

// step registers a meal at this step (grams of carbohydrate) or advances
// digestion of the previous one, and returns the gastric emptying rate
// Gempt (mmol/hr). A meal without carbohydrate is not a meal.
func (gs *gastric) step(ev event) float64 {
	if ev.ok && ev.amount > 0 {
		gs.meal(ev.amount)
	} else if gs.ch > 0 {
		gs.elapsed++
	}
	return gs.rate(float64(gs.elapsed) * H)
}

// meal resets the trapezoid for carbs grams. The critical amount is derived
// from the previous meal's branch durations.
func (gs *gastric) meal(carbs float64) {
	// g -> mmol, molar mass of glucose 180 g/mol
	gs.ch = carbs / 180.0 * 1000.0
	gs.elapsed = 0

	chcrit := ((gs.tasc + gs.tdes) * vmaxge) / 2.0
	if gs.ch <= chcrit {
		gs.tasc = gs.ch / vmaxge
		gs.tdes = gs.tasc
		gs.tmax = 0
		return
	}
	gs.tasc = 0.5
	gs.tdes = 0.5
	gs.tmax = (gs.ch - (0.5*vmaxge)*(2.0*(gs.tasc+gs.tdes))) / vmaxge
}

func (gs *gastric) rate(t float64) float64 {
	switch {
	case t < gs.tasc:
		return (vmaxge / gs.tasc) * t
	case gs.tasc <= t && t <= gs.tasc+gs.tmax:
		return vmaxge
	case gs.tasc+gs.tmax <= t && t < gs.tasc+gs.tmax+gs.tdes:
		return vmaxge - (vmaxge/gs.tdes)*(t-gs.tasc-gs.tmax)
	default:
		return 0
	}
}
