package signal

import (
	"fmt"

	"marlsignal/internal/model"
)

// Ladder maps a vote score in [-Agents, Agents] to a signal. A score at or
// beyond the strong threshold ceil(3*Agents/4) is a strong signal.
type Ladder struct {
	Agents int
}

func NewLadder(agents int) (Ladder, error) {
	if agents <= 0 {
		return Ladder{}, fmt.Errorf("ladder needs at least one agent, got %d", agents)
	}
	return Ladder{Agents: agents}, nil
}

func (l Ladder) StrongThreshold() int {
	return (3*l.Agents + 3) / 4
}

func (l Ladder) Classify(score int) model.Signal {
	strong := l.StrongThreshold()
	switch {
	case score >= strong:
		return model.StrongBuy
	case score > 0:
		return model.Buy
	case score == 0:
		return model.HoldSignal
	case score > -strong:
		return model.Sell
	default:
		return model.StrongSell
	}
}

// Score sums the votes of a joint action.
func Score(joint model.JointAction) (int, error) {
	score := 0
	for i, a := range joint {
		if !a.Valid() {
			return 0, fmt.Errorf("agent %d: invalid action %d", i, int(a))
		}
		score += a.Vote()
	}
	return score, nil
}

// Aggregate scores a joint action and classifies it.
func (l Ladder) Aggregate(joint model.JointAction) (model.Signal, int, error) {
	if len(joint) != l.Agents {
		return "", 0, fmt.Errorf("%w: ladder for %d agents got %d actions", model.ErrObservationShape, l.Agents, len(joint))
	}
	score, err := Score(joint)
	if err != nil {
		return "", 0, err
	}
	return l.Classify(score), score, nil
}

// Strength is |score| / Agents, in [0, 1].
func (l Ladder) Strength(score int) float64 {
	if score < 0 {
		score = -score
	}
	return float64(score) / float64(l.Agents)
}
