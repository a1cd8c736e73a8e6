package attribution

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"marlsignal/internal/agent"
	"marlsignal/internal/model"
)

// linearSource has Q[a](x) = sum_i weights[i]*x[i] for every action.
type linearSource struct {
	id      string
	weights []float64
}

func (s linearSource) ID() string { return s.id }

func (s linearSource) InputGradient(obs []float64, _ model.Action) ([]float64, []float64, error) {
	q := 0.0
	for i, w := range s.weights {
		q += w * obs[i]
	}
	return []float64{q, q, q}, append([]float64(nil), s.weights...), nil
}

func TestExplainSumsAcrossWindowAndAgents(t *testing.T) {
	exp, err := NewExplainer(Config{TopK: 2})
	require.NoError(t, err)

	// window 2, features [rsi, macd], plus position and return slots
	a := AgentInput{
		Source:      linearSource{id: "a", weights: []float64{1, 0.1, 2, 0.1, 9, 9}},
		Features:    []string{"rsi", "macd"},
		Window:      2,
		Observation: []float64{1, 1, 1, 1, 0, 0},
		Action:      model.Long,
		Current:     []float64{55, 0.3},
	}
	b := AgentInput{
		Source:      linearSource{id: "b", weights: []float64{-0.5, 0, 0}},
		Features:    []string{"macd"},
		Window:      1,
		Observation: []float64{2, 1, 0},
		Action:      model.Short,
	}
	top, err := exp.Explain([]AgentInput{a, b})
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, "rsi", top[0].Name)
	require.InDelta(t, 3.0, top[0].Importance, 1e-12)
	require.Equal(t, 55.0, top[0].Value)
	require.Equal(t, "macd", top[1].Name)
	require.InDelta(t, 0.2-1.0, top[1].Importance, 1e-12)
	require.Equal(t, 0.3, top[1].Value)
}

func TestExplainSaliencyUsesMagnitudes(t *testing.T) {
	exp, err := NewExplainer(Config{TopK: 5, Method: MethodSaliency})
	require.NoError(t, err)
	in := AgentInput{
		Source:      linearSource{id: "a", weights: []float64{-3, 1, 0, 0}},
		Features:    []string{"pe", "pb"},
		Window:      1,
		Observation: []float64{0, 0, 0, 0},
	}
	ranked, err := exp.Explain([]AgentInput{in})
	require.NoError(t, err)
	require.Equal(t, "pe", ranked[0].Name)
	require.Equal(t, 3.0, ranked[0].Importance)
	require.Equal(t, 0.0, ranked[0].Value)
}

func TestExplainWithRealNetwork(t *testing.T) {
	net, err := agent.NewQNetwork("technical", 3*2+2, []int{6}, rand.New(rand.NewSource(4)))
	require.NoError(t, err)
	exp, err := NewExplainer(DefaultConfig())
	require.NoError(t, err)

	obs := []float64{0.1, -0.4, 0.3, 0.2, 0.5, -0.1, 0, 0}
	top, err := exp.Explain([]AgentInput{{
		Source: net, Features: []string{"rsi", "macd"}, Window: 3, Observation: obs, Action: model.Hold,
	}})
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, -0.1, valueOf(top, "macd"))
}

func valueOf(items []model.FeatureImportance, name string) float64 {
	for _, it := range items {
		if it.Name == name {
			return it.Value
		}
	}
	return 0
}

func TestExplainValidation(t *testing.T) {
	_, err := NewExplainer(Config{TopK: 0})
	require.Error(t, err)
	_, err = NewExplainer(Config{TopK: 1, Method: "shap"})
	require.Error(t, err)

	exp, err := NewExplainer(DefaultConfig())
	require.NoError(t, err)
	_, err = exp.Explain([]AgentInput{{
		Source: linearSource{id: "a"}, Features: []string{"x"}, Window: 2, Observation: []float64{1, 2},
	}})
	require.ErrorIs(t, err, model.ErrObservationShape)
}
