package agent

import (
	"fmt"
	"math/rand"

	"marlsignal/internal/model"
	"marlsignal/internal/nn"
)

// QNetwork maps one agent's flattened observation to a value per action.
type QNetwork struct {
	id     string
	obsDim int
	net    *nn.MLP
}

func NewQNetwork(id string, obsDim int, hidden []int, rng *rand.Rand) (*QNetwork, error) {
	if id == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if obsDim <= 0 {
		return nil, fmt.Errorf("agent %s: observation width must be positive", id)
	}
	sizes := append([]int{obsDim}, hidden...)
	sizes = append(sizes, model.ActionDim)
	net, err := nn.NewMLP(sizes, "relu", "identity", rng)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}
	return &QNetwork{id: id, obsDim: obsDim, net: net}, nil
}

func (q *QNetwork) ID() string        { return q.id }
func (q *QNetwork) ObsDim() int       { return q.obsDim }
func (q *QNetwork) Params() []*nn.Vec { return q.net.Params() }

func (q *QNetwork) checkObs(obs []float64) error {
	if len(obs) != q.obsDim {
		return fmt.Errorf("%w: agent %s expects %d inputs, got %d", model.ErrObservationShape, q.id, q.obsDim, len(obs))
	}
	if !nn.Finite(obs...) {
		return fmt.Errorf("%w: agent %s observation contains non-finite values", model.ErrObservationShape, q.id)
	}
	return nil
}

// Forward evaluates the network on the given tape.
func (q *QNetwork) Forward(t *nn.Tape, obs *nn.Vec) (*nn.Vec, error) {
	if err := q.checkObs(obs.Data); err != nil {
		return nil, err
	}
	return q.net.Forward(t, obs)
}

// QValues evaluates without recording gradients.
func (q *QNetwork) QValues(obs []float64) ([]float64, error) {
	out, err := q.Forward(nil, nn.Const(obs))
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// InputGradient returns the action values and d(Q[action])/d(obs) computed on
// a private tape. Parameter gradients accumulated by the pass are discarded.
func (q *QNetwork) InputGradient(obs []float64, action model.Action) ([]float64, []float64, error) {
	if !action.Valid() {
		return nil, nil, fmt.Errorf("agent %s: invalid action %d", q.id, action)
	}
	tape := nn.NewTape()
	x := tape.Input(obs)
	out, err := q.Forward(tape, x)
	if err != nil {
		return nil, nil, err
	}
	if err := tape.Backward(tape.Pick(out, int(action))); err != nil {
		return nil, nil, err
	}
	nn.ZeroGrad(q.Params())
	return append([]float64(nil), out.Data...), x.Grad, nil
}

func (q *QNetwork) State() model.NetworkState {
	return q.net.State(q.id)
}

func (q *QNetwork) Check(st model.NetworkState) error {
	if len(st.Layers) > 0 && st.Layers[0].In != q.obsDim {
		return fmt.Errorf("%w: agent %s expects %d inputs, stored %d", model.ErrDimensionMismatch, q.id, q.obsDim, st.Layers[0].In)
	}
	return q.net.Check(st)
}

func (q *QNetwork) Load(st model.NetworkState) error {
	if err := q.Check(st); err != nil {
		return err
	}
	return q.net.Load(st)
}

// CopyFrom hard-syncs weights from another network of the same shape.
func (q *QNetwork) CopyFrom(src *QNetwork) error {
	return q.net.CopyFrom(src.net)
}
