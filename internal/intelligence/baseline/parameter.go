// Package baseline holds small reference collaborators for the trainer: an
// embedding regressor over token pairs, a mean squared error criterion and
// first-order optimizers. Gradients are computed by hand; there is no
// general autograd.
package baseline

import (
	"fmt"
	"math"
	"math/rand"
)

// Parameter is a trainable array with its accumulated gradient.
type Parameter struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

func newParameter(name string, shape ...int) *Parameter {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Parameter{Name: name, Shape: shape, Value: make([]float64, n), Grad: make([]float64, n)}
}

// Size is the number of scalars in the parameter.
func (p *Parameter) Size() int { return len(p.Value) }

func (p *Parameter) String() string { return fmt.Sprintf("%s%v", p.Name, p.Shape) }

func (p *Parameter) zeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// initNormal fills the parameter with N(0, std^2) samples.
func (p *Parameter) initNormal(rng *rand.Rand, std float64) {
	for i := range p.Value {
		p.Value[i] = rng.NormFloat64() * std
	}
}

func finite(vs []float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
