package estimate

import "math"

// Step specifies the finite-difference step sizes, either a single value
// applied uniformly to every axis or one value per axis. Every step must be
// strictly positive and finite: it sets the resolution of the difference
// stencils and has to be small enough to approximate the derivative limit
// but large enough to avoid catastrophic cancellation. The zero Step is
// invalid.
type Step struct {
	uniform float64
	perAxis []float64
}

// UniformStep returns a Step that applies h along every axis.
func UniformStep(h float64) Step {
	return Step{uniform: h}
}

// PerAxisStep returns a Step with one step size per axis. The slice length
// must match the dimension of the evaluation point.
func PerAxisStep(h []float64) Step {
	return Step{perAxis: h}
}

// resolve expands the step specification to one value per axis, validating
// length and positivity.
func (s Step) resolve(ndim int) ([]float64, error) {
	if s.perAxis != nil {
		if len(s.perAxis) != ndim {
			return nil, NewErrorf("step has %d entries but point has %d dimensions", len(s.perAxis), ndim)
		}
		out := make([]float64, ndim)
		for i, h := range s.perAxis {
			if err := checkStep(h); err != nil {
				return nil, err
			}
			out[i] = h
		}
		return out, nil
	}

	if err := checkStep(s.uniform); err != nil {
		return nil, err
	}
	out := make([]float64, ndim)
	for i := range out {
		out[i] = s.uniform
	}
	return out, nil
}

func checkStep(h float64) error {
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return NewErrorf("step size must be finite, got %v", h)
	}
	if h <= 0 {
		return NewErrorf("step size must be positive, got %v", h)
	}
	return nil
}
