package attribution

import (
	"fmt"
	"math"
	"sort"

	"marlsignal/internal/model"
)

const (
	MethodGradientXInput = "gradient_x_input"
	MethodSaliency       = "saliency"
)

// GradientSource exposes d(Q[action])/d(observation) for one agent.
type GradientSource interface {
	ID() string
	InputGradient(obs []float64, action model.Action) ([]float64, []float64, error)
}

type Config struct {
	TopK   int    `yaml:"top_k" json:"top_k"`
	Method string `yaml:"method" json:"method"`
}

func DefaultConfig() Config {
	return Config{TopK: 3, Method: MethodGradientXInput}
}

// AgentInput is one agent's chosen action and the observation it was chosen
// from. Current holds the raw latest value of each feature; when nil the last
// window row of the observation is reported instead.
type AgentInput struct {
	Source      GradientSource
	Features    []string
	Window      int
	Observation []float64
	Action      model.Action
	Current     []float64
}

type Explainer struct {
	cfg Config
}

func NewExplainer(cfg Config) (*Explainer, error) {
	if cfg.TopK <= 0 {
		return nil, fmt.Errorf("attribution top_k must be positive, got %d", cfg.TopK)
	}
	switch cfg.Method {
	case "":
		cfg.Method = MethodGradientXInput
	case MethodGradientXInput, MethodSaliency:
	default:
		return nil, fmt.Errorf("unsupported attribution method: %s", cfg.Method)
	}
	return &Explainer{cfg: cfg}, nil
}

func (e *Explainer) contribution(grad, input float64) float64 {
	if e.cfg.Method == MethodSaliency {
		return math.Abs(grad)
	}
	return grad * input
}

// Explain aggregates each agent's input sensitivity per named feature across
// the window, sums features sharing a name across agents, and returns the
// top-k by absolute importance.
func (e *Explainer) Explain(inputs []AgentInput) ([]model.FeatureImportance, error) {
	all, err := e.Rank(inputs)
	if err != nil {
		return nil, err
	}
	if len(all) > e.cfg.TopK {
		all = all[:e.cfg.TopK]
	}
	return all, nil
}

// Rank returns every feature ordered by absolute importance, ties by name.
func (e *Explainer) Rank(inputs []AgentInput) ([]model.FeatureImportance, error) {
	importance := map[string]float64{}
	current := map[string]float64{}
	for _, in := range inputs {
		if in.Source == nil {
			return nil, fmt.Errorf("attribution input has no gradient source")
		}
		nf := len(in.Features)
		if in.Window <= 0 || nf == 0 || len(in.Observation) != in.Window*nf+2 {
			return nil, fmt.Errorf("%w: agent %s observation width %d for window %d and %d features",
				model.ErrObservationShape, in.Source.ID(), len(in.Observation), in.Window, nf)
		}
		if in.Current != nil && len(in.Current) != nf {
			return nil, fmt.Errorf("%w: agent %s has %d current values for %d features",
				model.ErrObservationShape, in.Source.ID(), len(in.Current), nf)
		}
		_, grad, err := in.Source.InputGradient(in.Observation, in.Action)
		if err != nil {
			return nil, fmt.Errorf("agent %s gradient: %w", in.Source.ID(), err)
		}
		last := (in.Window - 1) * nf
		for f, name := range in.Features {
			sum := 0.0
			for w := 0; w < in.Window; w++ {
				idx := w*nf + f
				sum += e.contribution(grad[idx], in.Observation[idx])
			}
			importance[name] += sum
			if _, seen := current[name]; !seen {
				if in.Current != nil {
					current[name] = in.Current[f]
				} else {
					current[name] = in.Observation[last+f]
				}
			}
		}
	}

	out := make([]model.FeatureImportance, 0, len(importance))
	for name, v := range importance {
		out = append(out, model.FeatureImportance{Name: name, Importance: v, Value: current[name]})
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].Importance), math.Abs(out[j].Importance)
		if ai != aj {
			return ai > aj
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
