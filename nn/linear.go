package nn

import (
	"math"
	"math/rand"
)

// Linear is a fully connected layer, weight stored row-major [Out][In].
type Linear struct {
	Name string
	In   int
	Out  int

	weight *Parameter
	bias   *Parameter

	lastInput [][]float32
}

// NewLinear creates a linear layer with Xavier-uniform initialized weights.
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	w := make([]float32, in*out)
	limit := float32(math.Sqrt(6.0 / float64(in+out)))
	for i := range w {
		w[i] = (rng.Float32()*2 - 1) * limit
	}
	return &Linear{
		Name: name,
		In:   in,
		Out:  out,
		weight: &Parameter{
			Name:  name + ".weight",
			Shape: []int{out, in},
			Data:  w,
			Grad:  make([]float32, in*out),
		},
		bias: &Parameter{
			Name:  name + ".bias",
			Shape: []int{out},
			Data:  make([]float32, out),
			Grad:  make([]float32, out),
		},
	}
}

// Forward computes y = Wx + b for each row of the batch and caches the input
// for the backward pass.
func (l *Linear) Forward(batch [][]float32) [][]float32 {
	l.lastInput = batch
	out := make([][]float32, len(batch))
	w := l.weight.Data
	b := l.bias.Data
	for n, x := range batch {
		y := make([]float32, l.Out)
		for o := 0; o < l.Out; o++ {
			sum := b[o]
			row := w[o*l.In : (o+1)*l.In]
			for i, xi := range x {
				sum += row[i] * xi
			}
			y[o] = sum
		}
		out[n] = y
	}
	return out
}

// Backward accumulates weight and bias gradients from the upstream gradient
// and returns the gradient with respect to the layer input. Forward must have
// been called on the same batch first.
func (l *Linear) Backward(gradOut [][]float32) [][]float32 {
	gradIn := make([][]float32, len(gradOut))
	w := l.weight.Data
	gw := l.weight.Grad
	gb := l.bias.Grad
	for n, dy := range gradOut {
		x := l.lastInput[n]
		dx := make([]float32, l.In)
		for o := 0; o < l.Out; o++ {
			d := dy[o]
			if d == 0 {
				continue
			}
			gb[o] += d
			row := w[o*l.In : (o+1)*l.In]
			grow := gw[o*l.In : (o+1)*l.In]
			for i := 0; i < l.In; i++ {
				grow[i] += d * x[i]
				dx[i] += d * row[i]
			}
		}
		gradIn[n] = dx
	}
	return gradIn
}

// Apply computes the layer output without caching anything, for inference.
func (l *Linear) Apply(batch [][]float32) [][]float32 {
	out := make([][]float32, len(batch))
	w := l.weight.Data
	b := l.bias.Data
	for n, x := range batch {
		y := make([]float32, l.Out)
		for o := 0; o < l.Out; o++ {
			sum := b[o]
			row := w[o*l.In : (o+1)*l.In]
			for i, xi := range x {
				sum += row[i] * xi
			}
			y[o] = sum
		}
		out[n] = y
	}
	return out
}

// Weight returns the weight parameter.
func (l *Linear) Weight() *Parameter { return l.weight }

// Bias returns the bias parameter.
func (l *Linear) Bias() *Parameter { return l.bias }

// ZeroGrad clears the accumulated gradients.
func (l *Linear) ZeroGrad() {
	for i := range l.weight.Grad {
		l.weight.Grad[i] = 0
	}
	for i := range l.bias.Grad {
		l.bias.Grad[i] = 0
	}
}

func (l *Linear) params() []*Parameter {
	return []*Parameter{l.weight, l.bias}
}
