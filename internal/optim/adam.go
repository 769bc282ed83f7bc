package optim

import (
	"fmt"
	"math"
)

// Adam keeps first and second moment estimates per parameter slice.
type Adam struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64

	step int
	m    [][]float64
	v    [][]float64
}

func NewAdam(beta1, beta2, epsilon float64) *Adam {
	return &Adam{Beta1: beta1, Beta2: beta2, Epsilon: epsilon}
}

func NewAdamDefault() *Adam {
	return NewAdam(0.9, 0.999, 1e-8)
}

// Step applies one bias-corrected update to params in place. params and grads
// must keep the same shapes across calls; moments are allocated on first use.
func (opt *Adam) Step(params, grads [][]float64, learningRate float64) error {
	if len(params) != len(grads) {
		return fmt.Errorf("adam: %d parameter slices but %d gradient slices", len(params), len(grads))
	}
	if opt.m == nil {
		opt.m = make([][]float64, len(params))
		opt.v = make([][]float64, len(params))
		for i, p := range params {
			opt.m[i] = make([]float64, len(p))
			opt.v[i] = make([]float64, len(p))
		}
	}
	if len(opt.m) != len(params) {
		return fmt.Errorf("adam: parameter count changed from %d to %d", len(opt.m), len(params))
	}
	for i := range params {
		if len(params[i]) != len(grads[i]) || len(params[i]) != len(opt.m[i]) {
			return fmt.Errorf("adam: slice %d has %d parameters, %d gradients, %d moments", i, len(params[i]), len(grads[i]), len(opt.m[i]))
		}
	}

	opt.step++
	biasCorrection1 := 1 - math.Pow(opt.Beta1, float64(opt.step))
	biasCorrection2 := 1 - math.Pow(opt.Beta2, float64(opt.step))

	for i, p := range params {
		m, v, g := opt.m[i], opt.v[i], grads[i]
		for j := range p {
			m[j] = opt.Beta1*m[j] + (1-opt.Beta1)*g[j]
			v[j] = opt.Beta2*v[j] + (1-opt.Beta2)*g[j]*g[j]
			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2
			p[j] -= learningRate * mHat / (math.Sqrt(vHat) + opt.Epsilon)
		}
	}
	return nil
}

// Steps reports how many updates have been applied.
func (opt *Adam) Steps() int {
	return opt.step
}

// Reset clears the step count and moment estimates.
func (opt *Adam) Reset() {
	opt.step = 0
	opt.m = nil
	opt.v = nil
}
