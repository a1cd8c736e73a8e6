package agent

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"marlsignal/internal/model"
)

func TestQValuesShapeAndDeterminism(t *testing.T) {
	net, err := NewQNetwork("trend", 6, []int{8, 8}, rand.New(rand.NewSource(11)))
	require.NoError(t, err)

	obs := []float64{0.1, 0.2, -0.3, 0.4, 0, 1}
	first, err := net.QValues(obs)
	require.NoError(t, err)
	require.Len(t, first, model.ActionDim)

	second, err := net.QValues(obs)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestQValuesRejectsBadObservation(t *testing.T) {
	net, err := NewQNetwork("trend", 3, []int{4}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	_, err = net.QValues([]float64{1, 2})
	require.ErrorIs(t, err, model.ErrObservationShape)

	_, err = net.QValues([]float64{1, math.NaN(), 0})
	require.ErrorIs(t, err, model.ErrObservationShape)
}

func TestInputGradientLeavesParametersClean(t *testing.T) {
	net, err := NewQNetwork("momentum", 4, []int{6}, rand.New(rand.NewSource(5)))
	require.NoError(t, err)

	obs := []float64{0.5, -0.5, 0.25, 0.75}
	values, grad, err := net.InputGradient(obs, model.Short)
	require.NoError(t, err)
	require.Len(t, grad, len(obs))

	plain, err := net.QValues(obs)
	require.NoError(t, err)
	require.Equal(t, plain, values)

	for _, p := range net.Params() {
		for _, g := range p.Grad {
			require.Zero(t, g)
		}
	}

	const h = 1e-6
	for i := range obs {
		up := append([]float64(nil), obs...)
		down := append([]float64(nil), obs...)
		up[i] += h
		down[i] -= h
		qu, _ := net.QValues(up)
		qd, _ := net.QValues(down)
		require.InDelta(t, (qu[model.Short]-qd[model.Short])/(2*h), grad[i], 1e-5)
	}

	_, _, err = net.InputGradient(obs, model.Action(7))
	require.Error(t, err)
}

func TestStateRoundTripAndCopy(t *testing.T) {
	src, err := NewQNetwork("value", 5, []int{7}, rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	dst, err := NewQNetwork("value", 5, []int{7}, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	obs := []float64{1, 0, -1, 0.5, 0.2}
	want, _ := src.QValues(obs)
	before, _ := dst.QValues(obs)
	require.NotEqual(t, want, before)

	require.NoError(t, dst.CopyFrom(src))
	got, _ := dst.QValues(obs)
	require.Equal(t, want, got)

	other, err := NewQNetwork("value", 4, []int{7}, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	require.ErrorIs(t, other.Load(src.State()), model.ErrDimensionMismatch)
}
