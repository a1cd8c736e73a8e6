package mixer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"marlsignal/internal/model"
	"marlsignal/internal/nn"
)

func newTestMixer(t *testing.T, seed int64) *Mixer {
	t.Helper()
	m, err := New(Config{Agents: 3, StateDim: 6, Embed: 8, HyperHidden: 16}, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return m
}

func randomVec(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out
}

func TestQTotalMonotoneInEveryAgentValue(t *testing.T) {
	m := newTestMixer(t, 21)
	rng := rand.New(rand.NewSource(99))

	for trial := 0; trial < 200; trial++ {
		state := randomVec(rng, 6)
		qs := randomVec(rng, 3)
		base, err := m.QTotal(qs, state)
		require.NoError(t, err)
		for i := range qs {
			bumped := append([]float64(nil), qs...)
			bumped[i] += rng.Float64() * 2
			got, err := m.QTotal(bumped, state)
			require.NoError(t, err)
			require.GreaterOrEqual(t, got, base-1e-12, "trial %d agent %d", trial, i)
		}
	}
}

func TestGradientWithRespectToAgentValuesIsNonNegative(t *testing.T) {
	m := newTestMixer(t, 4)
	rng := rand.New(rand.NewSource(5))
	for trial := 0; trial < 50; trial++ {
		tape := nn.NewTape()
		qs := tape.Input(randomVec(rng, 3))
		out, err := m.Forward(tape, qs, nn.Const(randomVec(rng, 6)))
		require.NoError(t, err)
		require.NoError(t, tape.Backward(out))
		for i, g := range qs.Grad {
			require.GreaterOrEqual(t, g, 0.0, "agent %d", i)
		}
		nn.ZeroGrad(m.Params())
	}
}

func TestForwardRejectsShapeMismatch(t *testing.T) {
	m := newTestMixer(t, 1)
	_, err := m.QTotal([]float64{1, 2}, make([]float64, 6))
	require.ErrorIs(t, err, model.ErrObservationShape)
	_, err = m.QTotal([]float64{1, 2, 3}, make([]float64, 5))
	require.ErrorIs(t, err, model.ErrObservationShape)
}

func TestLoadIsAllOrNothing(t *testing.T) {
	src := newTestMixer(t, 8)
	dst := newTestMixer(t, 9)
	state := []float64{0.1, 0.2, 0.3, -0.1, -0.2, -0.3}
	qs := []float64{0.5, -0.5, 1}

	before, err := dst.QTotal(qs, state)
	require.NoError(t, err)

	broken := src.State()
	broken[3].Layers[0].Weights = broken[3].Layers[0].Weights[:1]
	require.ErrorIs(t, dst.Load(broken), model.ErrDimensionMismatch)
	after, err := dst.QTotal(qs, state)
	require.NoError(t, err)
	require.Equal(t, before, after)

	require.ErrorIs(t, dst.Load(src.State()[:2]), model.ErrDimensionMismatch)

	require.NoError(t, dst.CopyFrom(src))
	want, _ := src.QTotal(qs, state)
	got, _ := dst.QTotal(qs, state)
	require.Equal(t, want, got)
}

func TestConfigValidation(t *testing.T) {
	cases := []Config{
		{Agents: 0, StateDim: 1, Embed: 1},
		{Agents: 1, StateDim: 0, Embed: 1},
		{Agents: 1, StateDim: 1, Embed: 0},
		{Agents: 1, StateDim: 1, Embed: 1, HyperHidden: -1},
	}
	for _, cfg := range cases {
		_, err := New(cfg, rand.New(rand.NewSource(1)))
		require.Error(t, err, "%+v", cfg)
	}
}
