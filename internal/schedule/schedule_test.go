package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, time.March, 14, 16, 42, 17, 0, time.UTC)

func values(m map[time.Time]float64) []float64 {
	out := make([]float64, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func TestBuild_Meals(t *testing.T) {
	in := Input{Meals: []MealSlot{
		{"0800", "80"},
		{"1030", "20"},
		{"1200", "70"},
		{"1900", "60"},
		{"2200", "10"},
		{"", ""},
	}}

	s, err := Build(now, in)
	require.NoError(t, err)
	require.Len(t, s.Meals, 5)
	assert.ElementsMatch(t, []float64{80, 20, 70, 60, 10}, values(s.Meals))

	breakfast := time.Date(2025, time.March, 14, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, 80.0, s.Meals[breakfast])
	assert.Empty(t, s.InjectionsA)
	assert.Empty(t, s.InjectionsB)
}

func TestBuild_Injections(t *testing.T) {
	in := Input{Injections: []InjectionSlot{
		{Time: "0830", DoseA: "3", DoseB: "12"},
		{Time: "1230", DoseA: "5", DoseB: ""},
		{Time: "1930", DoseA: "4", DoseB: ""},
		{Time: "2200", DoseA: "", DoseB: "10"},
	}}

	s, err := Build(now, in)
	require.NoError(t, err)
	require.Len(t, s.InjectionsA, 3)
	require.Len(t, s.InjectionsB, 2)
	assert.ElementsMatch(t, []float64{3, 5, 4}, values(s.InjectionsA))
	assert.ElementsMatch(t, []float64{12, 10}, values(s.InjectionsB))

	morning := time.Date(2025, time.March, 14, 8, 30, 0, 0, time.UTC)
	assert.Equal(t, 3.0, s.InjectionsA[morning])
	assert.Equal(t, 12.0, s.InjectionsB[morning])
}

func TestBuild_AnchorsOnReferenceDay(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	ref := time.Date(2024, time.December, 31, 23, 59, 59, 999, loc)

	s, err := Build(ref, Input{Meals: []MealSlot{{"07:15", "45.5"}}})
	require.NoError(t, err)

	want := time.Date(2024, time.December, 31, 7, 15, 0, 0, loc)
	assert.Equal(t, 45.5, s.Meals[want])
	assert.Equal(t, time.Date(2024, time.December, 31, 0, 0, 0, 0, loc), s.Day)
	for ts := range s.Meals {
		assert.Zero(t, ts.Second())
		assert.Zero(t, ts.Nanosecond())
	}
}

func TestBuild_SkipsIncompletePairs(t *testing.T) {
	in := Input{
		Meals: []MealSlot{
			{"0800", ""},
			{"", "50"},
			{"  ", " "},
		},
		Injections: []InjectionSlot{
			{Time: "", DoseA: "3", DoseB: "4"},
			{Time: "0900"},
		},
	}

	s, err := Build(now, in)
	require.NoError(t, err)
	assert.Empty(t, s.Meals)
	assert.Empty(t, s.InjectionsA)
	assert.Empty(t, s.InjectionsB)
}

func TestBuild_ParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		in    Input
		field string
	}{
		{"bad carbs", Input{Meals: []MealSlot{{"0800", "80"}, {"1200", "lots"}}}, "meals[1].carbs"},
		{"bad meal time", Input{Meals: []MealSlot{{"2561", "80"}}}, "meals[0].time"},
		{"bad dose A", Input{Injections: []InjectionSlot{{Time: "0800", DoseA: "3,5"}}}, "injections[0].dose_a"},
		{"bad dose B", Input{Injections: []InjectionSlot{{Time: "0800", DoseA: "3", DoseB: "x"}}}, "injections[0].dose_b"},
		{"bad injection time", Input{Injections: []InjectionSlot{{Time: "8am", DoseA: "3"}}}, "injections[0].time"},
		{"negative carbs", Input{Meals: []MealSlot{{"0800", "-10"}}}, "meals[0].carbs"},
		{"negative dose B", Input{Injections: []InjectionSlot{{Time: "0800", DoseB: "-2"}}}, "injections[0].dose_b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Build(now, tt.in)
			assert.Nil(t, s, "no partial schedule on failure")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse))

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.field, pe.Field)
		})
	}
}

func TestBuild_TooManySlots(t *testing.T) {
	meals := make([]MealSlot, MaxMeals+1)
	_, err := Build(now, Input{Meals: meals})
	assert.ErrorIs(t, err, ErrTooManySlots)

	injections := make([]InjectionSlot, MaxInjections+1)
	_, err = Build(now, Input{Injections: injections})
	assert.ErrorIs(t, err, ErrTooManySlots)
}

func TestMidnight(t *testing.T) {
	got := Midnight(now)
	assert.Equal(t, time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC), got)
}

func TestBuild_ZeroAmountsAccepted(t *testing.T) {
	s, err := Build(now, Input{
		Meals:      []MealSlot{{"0800", "0"}},
		Injections: []InjectionSlot{{Time: "0900", DoseA: "0"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Meals[time.Date(2025, time.March, 14, 8, 0, 0, 0, time.UTC)])
	assert.Len(t, s.InjectionsA, 1)
}
