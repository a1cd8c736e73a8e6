package nn

import (
	"fmt"
	"math"
)

// Vec is a vector value that can take part in reverse-mode differentiation.
// Grad is nil for values that never receive gradients.
type Vec struct {
	Data []float64
	Grad []float64
	back func()
}

func (v *Vec) Len() int { return len(v.Data) }

func (v *Vec) trackable() bool { return v != nil && v.Grad != nil }

// Const wraps data as a value that never receives gradients.
func Const(data []float64) *Vec {
	return &Vec{Data: data}
}

// NewParam allocates a trainable vector with a gradient buffer.
func NewParam(n int) *Vec {
	return &Vec{Data: make([]float64, n), Grad: make([]float64, n)}
}

// Tape records operations in evaluation order so Backward can replay them in
// reverse. A nil *Tape is valid: every operation computes values only and
// nothing is recorded.
type Tape struct {
	nodes []*Vec
}

func NewTape() *Tape {
	return &Tape{}
}

// Input copies data into a leaf value. On a recording tape the leaf carries a
// gradient buffer so callers can read d(out)/d(input) after Backward.
func (t *Tape) Input(data []float64) *Vec {
	cp := append([]float64(nil), data...)
	if t == nil {
		return Const(cp)
	}
	return &Vec{Data: cp, Grad: make([]float64, len(cp))}
}

// Len returns the number of recorded operations.
func (t *Tape) Len() int {
	if t == nil {
		return 0
	}
	return len(t.nodes)
}

func (t *Tape) record(data []float64, inputs []*Vec, back func(out *Vec)) *Vec {
	out := &Vec{Data: data}
	if t == nil {
		return out
	}
	tracked := false
	for _, in := range inputs {
		if in.trackable() {
			tracked = true
			break
		}
	}
	if !tracked {
		return out
	}
	out.Grad = make([]float64, len(data))
	out.back = func() { back(out) }
	t.nodes = append(t.nodes, out)
	return out
}

// Backward seeds out with ones and propagates gradients to every recorded
// input. Recording order is a valid topological order, so a reverse sweep is
// enough.
func (t *Tape) Backward(out *Vec) error {
	if t == nil {
		return fmt.Errorf("backward on inference tape")
	}
	if !out.trackable() {
		return fmt.Errorf("backward target is not on the tape")
	}
	for i := range out.Grad {
		out.Grad[i] = 1
	}
	for i := len(t.nodes) - 1; i >= 0; i-- {
		t.nodes[i].back()
	}
	return nil
}

// Affine computes W*x + b for a dense layer.
func (t *Tape) Affine(l *Linear, x *Vec) *Vec {
	data := make([]float64, l.Out)
	for o := 0; o < l.Out; o++ {
		row := l.W.Data[o*l.In : (o+1)*l.In]
		sum := l.B.Data[o]
		for i, w := range row {
			sum += w * x.Data[i]
		}
		data[o] = sum
	}
	return t.record(data, []*Vec{x, l.W, l.B}, func(out *Vec) {
		for o := 0; o < l.Out; o++ {
			g := out.Grad[o]
			if g == 0 {
				continue
			}
			if l.B.trackable() {
				l.B.Grad[o] += g
			}
			base := o * l.In
			for i := 0; i < l.In; i++ {
				if l.W.trackable() {
					l.W.Grad[base+i] += g * x.Data[i]
				}
				if x.trackable() {
					x.Grad[i] += g * l.W.Data[base+i]
				}
			}
		}
	})
}

// Activate applies a registered activation elementwise.
func (t *Tape) Activate(name string, x *Vec) (*Vec, error) {
	spec, err := GetActivation(name)
	if err != nil {
		return nil, err
	}
	data := make([]float64, len(x.Data))
	for i, v := range x.Data {
		data[i] = spec.Func(v)
	}
	return t.record(data, []*Vec{x}, func(out *Vec) {
		if !x.trackable() {
			return
		}
		for i, v := range x.Data {
			x.Grad[i] += out.Grad[i] * spec.Derivative(v, out.Data[i])
		}
	}), nil
}

// Concat joins vectors end to end.
func (t *Tape) Concat(parts ...*Vec) *Vec {
	n := 0
	for _, p := range parts {
		n += len(p.Data)
	}
	data := make([]float64, 0, n)
	for _, p := range parts {
		data = append(data, p.Data...)
	}
	return t.record(data, parts, func(out *Vec) {
		offset := 0
		for _, p := range parts {
			if p.trackable() {
				for i := range p.Data {
					p.Grad[i] += out.Grad[offset+i]
				}
			}
			offset += len(p.Data)
		}
	})
}

// Pick selects one element as a length-1 vector.
func (t *Tape) Pick(x *Vec, idx int) *Vec {
	return t.record([]float64{x.Data[idx]}, []*Vec{x}, func(out *Vec) {
		if x.trackable() {
			x.Grad[idx] += out.Grad[0]
		}
	})
}

// Add sums two vectors of equal length.
func (t *Tape) Add(a, b *Vec) *Vec {
	data := make([]float64, len(a.Data))
	for i := range data {
		data[i] = a.Data[i] + b.Data[i]
	}
	return t.record(data, []*Vec{a, b}, func(out *Vec) {
		for i, g := range out.Grad {
			if a.trackable() {
				a.Grad[i] += g
			}
			if b.trackable() {
				b.Grad[i] += g
			}
		}
	})
}

// Dot is the inner product of two vectors of equal length.
func (t *Tape) Dot(a, b *Vec) *Vec {
	sum := 0.0
	for i := range a.Data {
		sum += a.Data[i] * b.Data[i]
	}
	return t.record([]float64{sum}, []*Vec{a, b}, func(out *Vec) {
		g := out.Grad[0]
		for i := range a.Data {
			if a.trackable() {
				a.Grad[i] += g * b.Data[i]
			}
			if b.trackable() {
				b.Grad[i] += g * a.Data[i]
			}
		}
	})
}

// VecMat computes the row vector q times the rows x cols matrix stored
// row-major in w.
func (t *Tape) VecMat(q, w *Vec, rows, cols int) *Vec {
	data := make([]float64, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			data[c] += q.Data[r] * w.Data[r*cols+c]
		}
	}
	return t.record(data, []*Vec{q, w}, func(out *Vec) {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				g := out.Grad[c]
				if q.trackable() {
					q.Grad[r] += g * w.Data[r*cols+c]
				}
				if w.trackable() {
					w.Grad[r*cols+c] += g * q.Data[r]
				}
			}
		}
	})
}

// MeanSquaredError averages (pred_i - target_i)^2 over length-1 predictions.
func (t *Tape) MeanSquaredError(preds []*Vec, targets []float64) (*Vec, error) {
	if len(preds) != len(targets) {
		return nil, fmt.Errorf("mse: %d predictions for %d targets", len(preds), len(targets))
	}
	if len(preds) == 0 {
		return nil, fmt.Errorf("mse: empty batch")
	}
	n := float64(len(preds))
	sum := 0.0
	for i, p := range preds {
		d := p.Data[0] - targets[i]
		sum += d * d
	}
	return t.record([]float64{sum / n}, preds, func(out *Vec) {
		g := out.Grad[0]
		for i, p := range preds {
			if p.trackable() {
				p.Grad[0] += g * 2 * (p.Data[0] - targets[i]) / n
			}
		}
	}), nil
}

// ZeroGrad clears accumulated gradients.
func ZeroGrad(params []*Vec) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// ClipGradNorm rescales gradients so their global L2 norm is at most maxNorm
// and returns the norm before clipping.
func ClipGradNorm(params []*Vec, maxNorm float64) float64 {
	sq := 0.0
	for _, p := range params {
		for _, g := range p.Grad {
			sq += g * g
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm <= 0 || norm <= maxNorm || norm == 0 {
		return norm
	}
	scale := maxNorm / norm
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
	return norm
}
