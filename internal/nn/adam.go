package nn

import "math"

// Adam keeps first and second moment estimates for a fixed parameter list.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	params []*Vec
	m      [][]float64
	v      [][]float64
	t      int
}

func NewAdam(params []*Vec, lr float64) *Adam {
	a := &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, params: params}
	a.m = make([][]float64, len(params))
	a.v = make([][]float64, len(params))
	for i, p := range params {
		a.m[i] = make([]float64, len(p.Data))
		a.v[i] = make([]float64, len(p.Data))
	}
	return a
}

// Steps is the number of updates applied so far.
func (a *Adam) Steps() int { return a.t }

// Step applies one bias-corrected update and clears the gradients.
func (a *Adam) Step() {
	a.t++
	b1Corr := 1 - math.Pow(a.Beta1, float64(a.t))
	b2Corr := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, p := range a.params {
		mi, vi := a.m[i], a.v[i]
		for j := range p.Data {
			g := p.Grad[j]
			mi[j] = a.Beta1*mi[j] + (1-a.Beta1)*g
			vi[j] = a.Beta2*vi[j] + (1-a.Beta2)*g*g
			p.Data[j] -= a.LR * (mi[j] / b1Corr) / (math.Sqrt(vi[j]/b2Corr) + a.Eps)
			p.Grad[j] = 0
		}
	}
}
