// Package density provides pointwise-evaluable log-densities that can be
// handed to the estimator, plus construction from service request specs.
package density

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/esheldon/covmatrix/internal/estimate"
)

// Gaussian is a multivariate normal whose normalized log-density serves as an
// objective function.
type Gaussian struct {
	dist *distmv.Normal
}

// NewGaussian creates a Gaussian from a mean vector and a positive-definite
// covariance matrix.
func NewGaussian(mean []float64, cov *mat.SymDense) (*Gaussian, error) {
	if len(mean) != cov.SymmetricDim() {
		return nil, fmt.Errorf("mean has %d dimensions but covariance is %dx%d",
			len(mean), cov.SymmetricDim(), cov.SymmetricDim())
	}
	dist, ok := distmv.NewNormal(mean, cov, nil)
	if !ok {
		return nil, fmt.Errorf("covariance matrix is not positive definite")
	}
	return &Gaussian{dist: dist}, nil
}

// Dim returns the dimension of the distribution.
func (g *Gaussian) Dim() int {
	return g.dist.Dim()
}

// Mean returns a copy of the distribution's mean, its mode.
func (g *Gaussian) Mean() []float64 {
	return g.dist.Mean(nil)
}

// LogProb evaluates the normalized log-density at x. It satisfies
// estimate.Objective.
func (g *Gaussian) LogProb(x []float64) (float64, error) {
	if len(x) != g.dist.Dim() {
		return 0, fmt.Errorf("point has %d dimensions, want %d", len(x), g.dist.Dim())
	}
	return g.dist.LogProb(x), nil
}

// QuadraticForm is the unnormalized log-density -1/2 (x-mu)^T Sigma^-1 (x-mu).
// It differs from Gaussian.LogProb only by the normalization constant, which
// the Hessian does not see.
type QuadraticForm struct {
	mean []float64
	prec *mat.SymDense
}

// NewQuadraticForm creates a QuadraticForm from a mean and an invertible
// covariance matrix.
func NewQuadraticForm(mean []float64, cov *mat.SymDense) (*QuadraticForm, error) {
	n := len(mean)
	if n != cov.SymmetricDim() {
		return nil, fmt.Errorf("mean has %d dimensions but covariance is %dx%d",
			n, cov.SymmetricDim(), cov.SymmetricDim())
	}

	var inv mat.Dense
	if err := inv.Inverse(cov); err != nil {
		return nil, fmt.Errorf("covariance matrix is not invertible: %w", err)
	}

	prec := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			prec.SetSym(i, j, inv.At(i, j))
		}
	}

	return &QuadraticForm{
		mean: append([]float64(nil), mean...),
		prec: prec,
	}, nil
}

// Dim returns the dimension of the form.
func (q *QuadraticForm) Dim() int {
	return len(q.mean)
}

// LogProb evaluates the quadratic form at x. It satisfies estimate.Objective.
func (q *QuadraticForm) LogProb(x []float64) (float64, error) {
	n := len(q.mean)
	if len(x) != n {
		return 0, fmt.Errorf("point has %d dimensions, want %d", len(x), n)
	}

	d := make([]float64, n)
	floats.SubTo(d, x, q.mean)

	v := mat.NewVecDense(n, d)
	var tmp mat.VecDense
	tmp.MulVec(q.prec, v)
	return -0.5 * mat.Dot(v, &tmp), nil
}

// Interface checks: both densities plug into the estimator as objectives.
var (
	_ estimate.Objective = (*Gaussian)(nil).LogProb
	_ estimate.Objective = (*QuadraticForm)(nil).LogProb
)
