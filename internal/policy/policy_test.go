package policy

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"marlsignal/internal/model"
)

func TestGreedyIsDeterministic(t *testing.T) {
	sel := GreedySelector{}
	q := []float64{0.2, 0.9, -0.4}
	for i := 0; i < 10; i++ {
		d, err := sel.Select(q, 0.5, nil)
		require.NoError(t, err)
		require.Equal(t, model.Hold, d.Action)
		require.False(t, d.Explored)
	}

	d, err := sel.Select([]float64{1, 1, 0}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, model.Long, d.Action)
}

func TestEpsilonGreedy(t *testing.T) {
	sel := EpsilonGreedySelector{}
	q := []float64{-1, -1, 3}

	d, err := sel.Select(q, 0, nil)
	require.NoError(t, err)
	require.Equal(t, model.Short, d.Action)

	rng := rand.New(rand.NewSource(42))
	counts := map[model.Action]int{}
	for i := 0; i < 3000; i++ {
		d, err := sel.Select(q, 1, rng)
		require.NoError(t, err)
		counts[d.Action]++
	}
	for _, a := range []model.Action{model.Long, model.Hold, model.Short} {
		require.InDelta(t, 1000, counts[a], 150, "action %s", a)
	}

	_, err = sel.Select(q, 0.5, nil)
	require.Error(t, err)
}

func TestTemperatureGatesLowConfidence(t *testing.T) {
	sel := TemperatureSelector{Temperature: 1, MinConfidence: 0.5}
	d, err := sel.Select([]float64{0.1, 0, -0.1}, 0, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.True(t, d.Gated)
	require.Equal(t, model.Hold, d.Action)
	require.Less(t, d.Confidence, 0.5)
}

func TestTemperatureGatesNarrowMargin(t *testing.T) {
	sel := TemperatureSelector{Temperature: 1, MinMargin: 0.2}
	d, err := sel.Select([]float64{2, 1.9, -5}, 0, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.True(t, d.Gated)
	require.Equal(t, model.Hold, d.Action)
}

func TestTemperatureSamplesConfidentDistribution(t *testing.T) {
	sel := TemperatureSelector{Temperature: 0.05, MinConfidence: 0.6, MinMargin: 0.1}
	rng := rand.New(rand.NewSource(9))
	for i := 0; i < 50; i++ {
		d, err := sel.Select([]float64{-1, 0, 1}, 0, rng)
		require.NoError(t, err)
		require.False(t, d.Gated)
		require.Equal(t, model.Short, d.Action)
	}

	_, err := sel.Select([]float64{-1, 0, 1}, 0, nil)
	require.Error(t, err)
}

func TestTemperatureSamplingIsSeedReproducible(t *testing.T) {
	sel := TemperatureSelector{Temperature: 1}
	q := []float64{0.3, 0.1, 0.2}
	run := func(seed int64) []model.Action {
		rng := rand.New(rand.NewSource(seed))
		out := make([]model.Action, 20)
		for i := range out {
			d, err := sel.Select(q, 0, rng)
			require.NoError(t, err)
			out[i] = d.Action
		}
		return out
	}
	require.Equal(t, run(5), run(5))
}

func TestSelectorsRejectMalformedValues(t *testing.T) {
	for _, sel := range []Selector{GreedySelector{}, EpsilonGreedySelector{}, TemperatureSelector{Temperature: 1}} {
		_, err := sel.Select([]float64{1, 2}, 0, rand.New(rand.NewSource(1)))
		require.ErrorIs(t, err, model.ErrObservationShape, sel.Name())
	}
}

func TestSelectorFromConfig(t *testing.T) {
	cases := []struct {
		mode string
		want string
	}{
		{"", "greedy"},
		{"argmax", "greedy"},
		{"eps", "epsilon_greedy"},
		{"softmax", "temperature"},
	}
	for _, tc := range cases {
		t.Run(tc.mode, func(t *testing.T) {
			sel, err := SelectorFromConfig(SelectorConfig{Mode: tc.mode})
			require.NoError(t, err)
			require.Equal(t, tc.want, sel.Name())
		})
	}

	sel, err := SelectorFromConfig(SelectorConfig{Mode: "temperature", MinConfidence: 0.4})
	require.NoError(t, err)
	require.Equal(t, 1.0, sel.(TemperatureSelector).Temperature)

	_, err = SelectorFromConfig(SelectorConfig{Mode: "temperature", MinConfidence: 1.5})
	require.Error(t, err)
	_, err = SelectorFromConfig(SelectorConfig{Mode: "ucb"})
	require.Error(t, err)
}

func TestSchedules(t *testing.T) {
	linear, err := ScheduleFromConfig(ScheduleConfig{Kind: "linear_decay", Start: 1, Floor: 0.01, Param: 50000})
	require.NoError(t, err)
	require.Equal(t, "linear_decay", linear.Name())
	require.Equal(t, 1.0, linear.Value(0))
	require.InDelta(t, 0.5, linear.Value(25000), 1e-12)
	require.Equal(t, 0.01, linear.Value(49900))
	require.Equal(t, 0.01, linear.Value(1_000_000))

	exp, err := ScheduleFromConfig(ScheduleConfig{Kind: "exponential", Start: 1, Floor: 0.05, Param: 0.5})
	require.NoError(t, err)
	require.Equal(t, 0.25, exp.Value(2))
	require.Equal(t, 0.05, exp.Value(10))

	constant, err := ScheduleFromConfig(ScheduleConfig{Kind: "constant", Start: 0.2})
	require.NoError(t, err)
	require.Equal(t, 0.2, constant.Value(123))

	toZero, err := ScheduleFromConfig(ScheduleConfig{Start: 0.5, Floor: 0, Param: 100})
	require.NoError(t, err)
	require.Equal(t, 0.0, toZero.Value(100))
	require.Equal(t, 0.0, toZero.Value(500))

	_, err = ScheduleFromConfig(ScheduleConfig{Kind: "linear_decay", Start: 1})
	require.Error(t, err)
	_, err = ScheduleFromConfig(ScheduleConfig{Kind: "exponential", Param: 2})
	require.Error(t, err)
	_, err = ScheduleFromConfig(ScheduleConfig{Kind: "cosine"})
	require.Error(t, err)
}
