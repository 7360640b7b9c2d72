package nn

import "math"

// Adam implements the Adam optimizer over a fixed parameter list. State is
// keyed by parameter position, so the parameter slice must stay stable across
// steps.
type Adam struct {
	Beta1 float64
	Beta2 float64
	Eps   float64

	params []*Parameter
	m      [][]float64
	v      [][]float64
	t      int
}

// NewAdam creates an Adam optimizer with the standard defaults.
func NewAdam(params []*Parameter) *Adam {
	opt := &Adam{
		Beta1:  0.9,
		Beta2:  0.999,
		Eps:    1e-8,
		params: params,
		m:      make([][]float64, len(params)),
		v:      make([][]float64, len(params)),
	}
	for i, p := range params {
		opt.m[i] = make([]float64, len(p.Data))
		opt.v[i] = make([]float64, len(p.Data))
	}
	return opt
}

// Step applies one update with the given learning rate and clears gradients.
func (a *Adam) Step(lr float64) {
	a.t++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, p := range a.params {
		m := a.m[i]
		v := a.v[i]
		for j := range p.Data {
			g := float64(p.Grad[j])
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			p.Data[j] -= float32(lr * mHat / (math.Sqrt(vHat) + a.Eps))
			p.Grad[j] = 0
		}
	}
}
