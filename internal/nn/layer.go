package nn

import (
	"fmt"
	"math"
	"math/rand"

	"marlsignal/internal/model"
)

// Linear is a dense layer with a row-major Out x In weight matrix.
type Linear struct {
	In  int
	Out int
	W   *Vec
	B   *Vec
}

// NewLinear initializes weights uniformly in +/- sqrt(6/(in+out)) and biases
// at zero.
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	l := &Linear{In: in, Out: out, W: NewParam(in * out), B: NewParam(out)}
	limit := math.Sqrt(6.0 / float64(in+out))
	for i := range l.W.Data {
		l.W.Data[i] = (rng.Float64()*2 - 1) * limit
	}
	return l
}

func (l *Linear) Params() []*Vec {
	return []*Vec{l.W, l.B}
}

func (l *Linear) State() model.LayerState {
	return model.LayerState{
		In:      l.In,
		Out:     l.Out,
		Weights: append([]float64(nil), l.W.Data...),
		Bias:    append([]float64(nil), l.B.Data...),
	}
}

func (l *Linear) check(st model.LayerState) error {
	if st.In != l.In || st.Out != l.Out {
		return fmt.Errorf("%w: layer %dx%d, stored %dx%d", model.ErrDimensionMismatch, l.Out, l.In, st.Out, st.In)
	}
	if len(st.Weights) != l.In*l.Out || len(st.Bias) != l.Out {
		return fmt.Errorf("%w: layer %dx%d has %d weights and %d biases", model.ErrDimensionMismatch, l.Out, l.In, len(st.Weights), len(st.Bias))
	}
	return nil
}

func (l *Linear) load(st model.LayerState) {
	copy(l.W.Data, st.Weights)
	copy(l.B.Data, st.Bias)
}

// MLP is a stack of dense layers with one hidden activation and one output
// activation.
type MLP struct {
	Layers     []*Linear
	Hidden     string
	Output     string
	inputWidth int
}

// NewMLP builds layers for consecutive pairs in sizes, e.g. [in, h1, h2, out].
func NewMLP(sizes []int, hidden, output string, rng *rand.Rand) (*MLP, error) {
	if len(sizes) < 2 {
		return nil, fmt.Errorf("mlp needs at least input and output sizes, got %v", sizes)
	}
	for _, size := range sizes {
		if size <= 0 {
			return nil, fmt.Errorf("mlp layer sizes must be positive, got %v", sizes)
		}
	}
	if _, err := GetActivation(hidden); err != nil {
		return nil, err
	}
	if _, err := GetActivation(output); err != nil {
		return nil, err
	}
	m := &MLP{Hidden: hidden, Output: output, inputWidth: sizes[0]}
	for i := 0; i+1 < len(sizes); i++ {
		m.Layers = append(m.Layers, NewLinear(sizes[i], sizes[i+1], rng))
	}
	return m, nil
}

func (m *MLP) InputWidth() int  { return m.inputWidth }
func (m *MLP) OutputWidth() int { return m.Layers[len(m.Layers)-1].Out }

func (m *MLP) Forward(t *Tape, x *Vec) (*Vec, error) {
	if len(x.Data) != m.inputWidth {
		return nil, fmt.Errorf("%w: mlp input width %d, got %d", model.ErrObservationShape, m.inputWidth, len(x.Data))
	}
	var err error
	for i, layer := range m.Layers {
		x = t.Affine(layer, x)
		activation := m.Hidden
		if i == len(m.Layers)-1 {
			activation = m.Output
		}
		if activation == "identity" {
			continue
		}
		if x, err = t.Activate(activation, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (m *MLP) Params() []*Vec {
	params := make([]*Vec, 0, 2*len(m.Layers))
	for _, layer := range m.Layers {
		params = append(params, layer.Params()...)
	}
	return params
}

func (m *MLP) State(name string) model.NetworkState {
	st := model.NetworkState{Name: name, Activation: m.Hidden}
	for _, layer := range m.Layers {
		st.Layers = append(st.Layers, layer.State())
	}
	return st
}

// Check reports whether a stored state fits this network's shape.
func (m *MLP) Check(st model.NetworkState) error {
	if len(st.Layers) != len(m.Layers) {
		return fmt.Errorf("%w: %s has %d layers, stored %d", model.ErrDimensionMismatch, st.Name, len(m.Layers), len(st.Layers))
	}
	for i, layer := range m.Layers {
		if err := layer.check(st.Layers[i]); err != nil {
			return fmt.Errorf("%s layer %d: %w", st.Name, i, err)
		}
	}
	return nil
}

// Load copies stored weights into the network. The whole state is checked
// before any layer is written, so a mismatch leaves the network untouched.
func (m *MLP) Load(st model.NetworkState) error {
	if err := m.Check(st); err != nil {
		return err
	}
	for i, layer := range m.Layers {
		layer.load(st.Layers[i])
	}
	return nil
}

// CopyFrom overwrites weights with those of a network of identical shape.
func (m *MLP) CopyFrom(src *MLP) error {
	return m.Load(src.State(""))
}
