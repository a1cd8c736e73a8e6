package policy

import (
	"fmt"
	"math/rand"
	"sort"

	"marlsignal/internal/model"
	"marlsignal/internal/nn"
)

// Decision is the outcome of selecting one agent's action from its values.
type Decision struct {
	Action        model.Action
	Probabilities []float64
	Confidence    float64
	Explored      bool
	Gated         bool
}

// Selector turns one agent's action values into an action. The random source
// is supplied per call so each caller owns its sequence.
type Selector interface {
	Name() string
	Select(q []float64, exploration float64, rng *rand.Rand) (Decision, error)
}

func checkValues(q []float64) error {
	if len(q) != model.ActionDim {
		return fmt.Errorf("%w: expected %d action values, got %d", model.ErrObservationShape, model.ActionDim, len(q))
	}
	if !nn.Finite(q...) {
		return fmt.Errorf("%w: action values contain non-finite entries", model.ErrObservationShape)
	}
	return nil
}

func greedyDecision(q []float64) (Decision, error) {
	probs, err := nn.Softmax(q, 1)
	if err != nil {
		return Decision{}, err
	}
	best := nn.Argmax(q)
	return Decision{Action: model.Action(best), Probabilities: probs, Confidence: probs[best]}, nil
}

// GreedySelector always picks the highest value; ties go to the lowest index.
type GreedySelector struct{}

func (GreedySelector) Name() string { return "greedy" }

func (GreedySelector) Select(q []float64, _ float64, _ *rand.Rand) (Decision, error) {
	if err := checkValues(q); err != nil {
		return Decision{}, err
	}
	return greedyDecision(q)
}

// EpsilonGreedySelector picks a uniformly random action with probability
// equal to the exploration parameter, and the greedy action otherwise.
type EpsilonGreedySelector struct{}

func (EpsilonGreedySelector) Name() string { return "epsilon_greedy" }

func (EpsilonGreedySelector) Select(q []float64, epsilon float64, rng *rand.Rand) (Decision, error) {
	if err := checkValues(q); err != nil {
		return Decision{}, err
	}
	d, err := greedyDecision(q)
	if err != nil {
		return Decision{}, err
	}
	epsilon = nn.Sat(epsilon, 1, 0)
	if epsilon == 0 {
		return d, nil
	}
	if rng == nil {
		return Decision{}, fmt.Errorf("epsilon_greedy requires a random source")
	}
	if rng.Float64() < epsilon {
		d.Action = model.Action(rng.Intn(model.ActionDim))
		d.Confidence = d.Probabilities[d.Action]
		d.Explored = true
	}
	return d, nil
}

// TemperatureSelector samples from softmax(q / temperature) unless the
// distribution is too flat, in which case it holds.
type TemperatureSelector struct {
	Temperature   float64
	MinConfidence float64
	MinMargin     float64
}

func (TemperatureSelector) Name() string { return "temperature" }

// Select uses the exploration parameter as the temperature when positive.
func (s TemperatureSelector) Select(q []float64, exploration float64, rng *rand.Rand) (Decision, error) {
	if err := checkValues(q); err != nil {
		return Decision{}, err
	}
	temperature := s.Temperature
	if exploration > 0 {
		temperature = exploration
	}
	probs, err := nn.Softmax(q, temperature)
	if err != nil {
		return Decision{}, err
	}
	ranked := append([]float64(nil), probs...)
	sort.Sort(sort.Reverse(sort.Float64Slice(ranked)))
	top, margin := ranked[0], ranked[0]-ranked[1]

	d := Decision{Probabilities: probs, Confidence: top}
	if top < s.MinConfidence || margin < s.MinMargin {
		d.Action = model.Hold
		d.Gated = true
		return d, nil
	}
	if rng == nil {
		return Decision{}, fmt.Errorf("temperature sampling requires a random source")
	}
	d.Action = model.Action(sampleIndex(probs, rng.Float64()))
	d.Explored = int(d.Action) != nn.Argmax(probs)
	return d, nil
}

func sampleIndex(probs []float64, u float64) int {
	cum := 0.0
	for i, p := range probs {
		cum += p
		if u < cum {
			return i
		}
	}
	return len(probs) - 1
}

type SelectorConfig struct {
	Mode          string  `yaml:"mode" json:"mode"`
	Temperature   float64 `yaml:"temperature" json:"temperature"`
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
	MinMargin     float64 `yaml:"min_margin" json:"min_margin"`
}

func SelectorFromConfig(cfg SelectorConfig) (Selector, error) {
	switch NormalizeSelectorName(cfg.Mode) {
	case "greedy":
		return GreedySelector{}, nil
	case "epsilon_greedy":
		return EpsilonGreedySelector{}, nil
	case "temperature":
		temperature := cfg.Temperature
		if temperature <= 0 {
			temperature = 1.0
		}
		if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
			return nil, fmt.Errorf("min_confidence must be within [0,1], got %v", cfg.MinConfidence)
		}
		if cfg.MinMargin < 0 || cfg.MinMargin > 1 {
			return nil, fmt.Errorf("min_margin must be within [0,1], got %v", cfg.MinMargin)
		}
		return TemperatureSelector{Temperature: temperature, MinConfidence: cfg.MinConfidence, MinMargin: cfg.MinMargin}, nil
	default:
		return nil, fmt.Errorf("unsupported action selector: %s", cfg.Mode)
	}
}

func NormalizeSelectorName(name string) string {
	switch name {
	case "", "greedy", "argmax":
		return "greedy"
	case "epsilon_greedy", "epsilon", "eps":
		return "epsilon_greedy"
	case "temperature", "softmax", "sampling":
		return "temperature"
	default:
		return name
	}
}
