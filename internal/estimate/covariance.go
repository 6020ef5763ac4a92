package estimate

import (
	"context"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Covariance estimates the covariance matrix of the distribution whose
// log-probability is logf, using the Hessian as a Gaussian approximation:
//
//	cov = -H^-1
//
// where H is the finite-difference Hessian of logf at x. The contract is
// defined for log-probability inputs only; supplying a raw probability and
// expecting log-probability semantics is a caller error the converter does
// not detect. If x is not at or near a maximum of logf, the returned matrix
// is not a valid covariance; that precondition is documented, not checked.
func (e *Estimator) Covariance(ctx context.Context, logf Objective, x []float64, step Step) (*mat.SymDense, error) {
	hess, err := e.Hessian(ctx, logf, x, step)
	if err != nil {
		return nil, err
	}
	return e.CovarianceFromHessian(hess)
}

// CovarianceFromHessian converts an already-estimated log-probability Hessian
// into a covariance matrix by negating and inverting it with a dense LU
// solve. A singular or near-singular Hessian yields a SingularMatrixError
// rather than a matrix with infinite or NaN entries.
func (e *Estimator) CovarianceFromHessian(hess *mat.SymDense) (*mat.SymDense, error) {
	const op = "Estimator.CovarianceFromHessian"

	if hess == nil {
		return nil, NewError("hessian must not be nil").WithOperation(op)
	}
	n := hess.SymmetricDim()

	neg := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			neg.Set(i, j, -hess.At(i, j))
		}
	}

	var inv mat.Dense
	if err := inv.Inverse(neg); err != nil {
		cond := math.Inf(1)
		if c, ok := err.(mat.Condition); ok {
			cond = float64(c)
		}
		e.logger.Debug("Hessian inversion failed",
			zap.Int("dims", n),
			zap.Float64("condition_number", cond),
			zap.Error(err),
		)
		return nil, &SingularMatrixError{Cond: cond, Err: err}
	}

	// The inverse of a symmetric matrix is symmetric, but the LU solve does
	// not preserve that exactly. Fill both halves from the upper triangle
	// with a single write per pair.
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, inv.At(i, j))
		}
	}

	for i := 0; i < n; i++ {
		if cov.At(i, i) <= 0 {
			e.logger.Warn("Non-positive variance on diagonal, point is likely not at a maximum",
				zap.Int("axis", i),
				zap.Float64("variance", cov.At(i, i)),
			)
		}
	}

	return cov, nil
}

// Hessian estimates the Hessian of f at x with a default sequential Estimator.
func Hessian(ctx context.Context, f Objective, x []float64, step Step) (*mat.SymDense, error) {
	return defaultEstimator().Hessian(ctx, f, x, step)
}

// Covariance estimates the Laplace covariance of logf at x with a default
// sequential Estimator.
func Covariance(ctx context.Context, logf Objective, x []float64, step Step) (*mat.SymDense, error) {
	return defaultEstimator().Covariance(ctx, logf, x, step)
}

func defaultEstimator() *Estimator {
	return NewEstimator(WithLogger(zap.NewNop()))
}
