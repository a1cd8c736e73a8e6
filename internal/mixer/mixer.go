package mixer

import (
	"fmt"
	"math/rand"

	"marlsignal/internal/model"
	"marlsignal/internal/nn"
)

type Config struct {
	Agents   int
	StateDim int
	Embed    int
	// HyperHidden adds a hidden ReLU layer to the weight hypernetworks when
	// positive.
	HyperHidden int
}

func (c Config) validate() error {
	if c.Agents <= 0 {
		return fmt.Errorf("mixer agents must be positive, got %d", c.Agents)
	}
	if c.StateDim <= 0 {
		return fmt.Errorf("mixer state width must be positive, got %d", c.StateDim)
	}
	if c.Embed <= 0 {
		return fmt.Errorf("mixer embed width must be positive, got %d", c.Embed)
	}
	if c.HyperHidden < 0 {
		return fmt.Errorf("mixer hyper hidden width must be non-negative, got %d", c.HyperHidden)
	}
	return nil
}

// Mixer combines per-agent chosen-action values into one team value. Every
// weight applied to an agent value is generated from the global state and
// passed through an absolute value, and the hidden activation is monotone,
// so the team value never decreases when any agent value increases.
type Mixer struct {
	cfg Config

	hyperW1     *nn.MLP
	hyperB1     *nn.MLP
	hyperWFinal *nn.MLP
	hyperV      *nn.MLP
}

const (
	componentW1     = "hyper_w1"
	componentB1     = "hyper_b1"
	componentWFinal = "hyper_w_final"
	componentV      = "hyper_v"
)

func New(cfg Config, rng *rand.Rand) (*Mixer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	hyperSizes := func(out int) []int {
		if cfg.HyperHidden > 0 {
			return []int{cfg.StateDim, cfg.HyperHidden, out}
		}
		return []int{cfg.StateDim, out}
	}
	m := &Mixer{cfg: cfg}
	var err error
	if m.hyperW1, err = nn.NewMLP(hyperSizes(cfg.Agents*cfg.Embed), "relu", "identity", rng); err != nil {
		return nil, err
	}
	if m.hyperB1, err = nn.NewMLP([]int{cfg.StateDim, cfg.Embed}, "relu", "identity", rng); err != nil {
		return nil, err
	}
	if m.hyperWFinal, err = nn.NewMLP(hyperSizes(cfg.Embed), "relu", "identity", rng); err != nil {
		return nil, err
	}
	if m.hyperV, err = nn.NewMLP([]int{cfg.StateDim, cfg.Embed, 1}, "relu", "identity", rng); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mixer) Config() Config { return m.cfg }

func (m *Mixer) components() []*nn.MLP {
	return []*nn.MLP{m.hyperW1, m.hyperB1, m.hyperWFinal, m.hyperV}
}

func componentNames() []string {
	return []string{componentW1, componentB1, componentWFinal, componentV}
}

// Forward computes the team value on the given tape. qs holds the chosen
// action value of every agent in agent order.
func (m *Mixer) Forward(t *nn.Tape, qs, state *nn.Vec) (*nn.Vec, error) {
	if qs.Len() != m.cfg.Agents {
		return nil, fmt.Errorf("%w: mixer expects %d agent values, got %d", model.ErrObservationShape, m.cfg.Agents, qs.Len())
	}
	if state.Len() != m.cfg.StateDim {
		return nil, fmt.Errorf("%w: mixer expects state width %d, got %d", model.ErrObservationShape, m.cfg.StateDim, state.Len())
	}

	w1Raw, err := m.hyperW1.Forward(t, state)
	if err != nil {
		return nil, err
	}
	w1, err := t.Activate("absolute", w1Raw)
	if err != nil {
		return nil, err
	}
	b1, err := m.hyperB1.Forward(t, state)
	if err != nil {
		return nil, err
	}
	hidden, err := t.Activate("elu", t.Add(t.VecMat(qs, w1, m.cfg.Agents, m.cfg.Embed), b1))
	if err != nil {
		return nil, err
	}

	wFinalRaw, err := m.hyperWFinal.Forward(t, state)
	if err != nil {
		return nil, err
	}
	wFinal, err := t.Activate("absolute", wFinalRaw)
	if err != nil {
		return nil, err
	}
	v, err := m.hyperV.Forward(t, state)
	if err != nil {
		return nil, err
	}
	return t.Add(t.Dot(hidden, wFinal), v), nil
}

// QTotal evaluates the team value without recording gradients.
func (m *Mixer) QTotal(qs, state []float64) (float64, error) {
	out, err := m.Forward(nil, nn.Const(qs), nn.Const(state))
	if err != nil {
		return 0, err
	}
	return out.Data[0], nil
}

func (m *Mixer) Params() []*nn.Vec {
	var params []*nn.Vec
	for _, c := range m.components() {
		params = append(params, c.Params()...)
	}
	return params
}

// State returns one named network state per hypernetwork.
func (m *Mixer) State() []model.NetworkState {
	names := componentNames()
	out := make([]model.NetworkState, 0, len(names))
	for i, c := range m.components() {
		out = append(out, c.State(names[i]))
	}
	return out
}

func indexStates(states []model.NetworkState) map[string]model.NetworkState {
	byName := make(map[string]model.NetworkState, len(states))
	for _, st := range states {
		byName[st.Name] = st
	}
	return byName
}

// Check reports whether every hypernetwork has a matching stored state.
func (m *Mixer) Check(states []model.NetworkState) error {
	byName := indexStates(states)
	comps := m.components()
	for i, name := range componentNames() {
		st, ok := byName[name]
		if !ok {
			return fmt.Errorf("%w: mixer component %s missing", model.ErrDimensionMismatch, name)
		}
		if err := comps[i].Check(st); err != nil {
			return err
		}
	}
	return nil
}

// Load restores every hypernetwork by name. Nothing is written unless all
// components are present and match.
func (m *Mixer) Load(states []model.NetworkState) error {
	if err := m.Check(states); err != nil {
		return err
	}
	byName := indexStates(states)
	comps := m.components()
	for i, name := range componentNames() {
		if err := comps[i].Load(byName[name]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mixer) CopyFrom(src *Mixer) error {
	return m.Load(src.State())
}
