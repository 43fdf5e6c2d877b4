// Package schedule converts raw meal and injection form values into the
// time-keyed event series consumed by the simulation engine.
//
// Times are 24-hour "HHMM" strings (a colon between hours and minutes is
// tolerated) and are re-anchored onto the calendar day of the supplied
// reference time. Amounts are decimal strings.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/glucose-engine/internal/model"
)

// Slot limits of the intake form.
const (
	MaxMeals      = 6
	MaxInjections = 4
)

var (
	// ErrParse is matched by every *ParseError.
	ErrParse = errors.New("schedule: parse error")

	// ErrTooManySlots is returned when more slots are supplied than the form holds.
	ErrTooManySlots = errors.New("schedule: too many slots")

	errNegative = errors.New("amount must not be negative")
)

// ParseError describes a malformed time or amount string.
type ParseError struct {
	Field string // e.g. "meals[2].carbs"
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("schedule: invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrParse) hold for every ParseError.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// MealSlot is one (time, carbohydrate grams) pair of the intake form.
type MealSlot struct {
	Time  string `json:"time"`
	Carbs string `json:"carbs"`
}

// InjectionSlot is one injection time with a dose for each insulin channel.
type InjectionSlot struct {
	Time  string `json:"time"`
	DoseA string `json:"dose_a"`
	DoseB string `json:"dose_b"`
}

// Input is the raw intake form.
type Input struct {
	Meals      []MealSlot      `json:"meals"`
	Injections []InjectionSlot `json:"injections"`
}

// Schedule holds the three event series of one simulation day.
type Schedule struct {
	Day         time.Time // midnight of the simulation day
	Meals       model.Series
	InjectionsA model.Series
	InjectionsB model.Series
}

// Midnight returns 00:00 of now's calendar day in now's location.
func Midnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// Build parses in into event series anchored on now's calendar day.
// Any parse failure aborts the whole build.
func Build(now time.Time, in Input) (*Schedule, error) {
	if len(in.Meals) > MaxMeals {
		return nil, fmt.Errorf("%w: %d meals (max %d)", ErrTooManySlots, len(in.Meals), MaxMeals)
	}
	if len(in.Injections) > MaxInjections {
		return nil, fmt.Errorf("%w: %d injections (max %d)", ErrTooManySlots, len(in.Injections), MaxInjections)
	}

	day := Midnight(now)
	s := &Schedule{
		Day:         day,
		Meals:       make(model.Series),
		InjectionsA: make(model.Series),
		InjectionsB: make(model.Series),
	}

	for i, meal := range in.Meals {
		ts, carbs := strings.TrimSpace(meal.Time), strings.TrimSpace(meal.Carbs)
		if ts == "" || carbs == "" {
			continue
		}
		at, err := parseTimeOfDay(day, ts)
		if err != nil {
			return nil, &ParseError{Field: fmt.Sprintf("meals[%d].time", i), Value: meal.Time, Err: err}
		}
		grams, err := parseAmount(carbs)
		if err != nil {
			return nil, &ParseError{Field: fmt.Sprintf("meals[%d].carbs", i), Value: meal.Carbs, Err: err}
		}
		s.Meals[at] = grams
	}

	for i, inj := range in.Injections {
		ts := strings.TrimSpace(inj.Time)
		if ts == "" {
			continue
		}
		at, err := parseTimeOfDay(day, ts)
		if err != nil {
			return nil, &ParseError{Field: fmt.Sprintf("injections[%d].time", i), Value: inj.Time, Err: err}
		}
		if dose := strings.TrimSpace(inj.DoseA); dose != "" {
			units, err := parseAmount(dose)
			if err != nil {
				return nil, &ParseError{Field: fmt.Sprintf("injections[%d].dose_a", i), Value: inj.DoseA, Err: err}
			}
			s.InjectionsA[at] = units
		}
		if dose := strings.TrimSpace(inj.DoseB); dose != "" {
			units, err := parseAmount(dose)
			if err != nil {
				return nil, &ParseError{Field: fmt.Sprintf("injections[%d].dose_b", i), Value: inj.DoseB, Err: err}
			}
			s.InjectionsB[at] = units
		}
	}

	return s, nil
}

// parseTimeOfDay reads "HHMM" or "HH:MM" and places it on day.
func parseTimeOfDay(day time.Time, s string) (time.Time, error) {
	layout := "1504"
	if strings.Contains(s, ":") {
		layout = "15:04"
	}
	tod, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, tod.Hour(), tod.Minute(), 0, 0, day.Location()), nil
}

func parseAmount(s string) (float64, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	if v.IsNegative() {
		return 0, errNegative
	}
	return v.InexactFloat64(), nil
}
