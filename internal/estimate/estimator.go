// Package estimate computes the Hessian matrix of a scalar function by
// central finite differences and converts the Hessian of a log-probability
// into a covariance matrix under the Laplace approximation: near a maximum
// the log-density behaves like -1/2 (x-mu)^T Sigma^-1 (x-mu), so
// cov = -H^-1.
package estimate

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Objective is a caller-supplied scalar function of an N-dimensional point.
// For covariance estimation it is expected (by convention, not enforced) to
// evaluate log(probability(x)). It may be invoked up to O(N^2) times per
// estimate and must be deterministic for the same input, since the stencils
// difference repeated near-identical evaluations.
type Objective func(x []float64) (float64, error)

// Estimator computes finite-difference Hessians and Laplace covariances.
type Estimator struct {
	// Number of goroutines evaluating stencils. 1 means sequential.
	workers int

	// Logger for structured logging
	logger *zap.Logger

	// Scratch-slice pool for perturbed points
	pool *vecPool
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithWorkers sets the number of goroutines used to evaluate stencil entries.
// Values below 2 keep the estimator strictly sequential.
func WithWorkers(n int) Option {
	return func(e *Estimator) {
		e.workers = n
	}
}

// WithLogger replaces the estimator's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Estimator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEstimator creates a new Estimator.
func NewEstimator(opts ...Option) *Estimator {
	// Create a logger with default settings (zap's development config for now)
	logger, _ := zap.NewDevelopment()

	e := &Estimator{
		workers: 1,
		logger:  logger.Named("estimate"),
		pool:    newVecPool(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Hessian estimates the matrix of second partial derivatives of f at x using
// central finite differences with the given step specification.
//
// Diagonal entries use the symmetric second-difference stencil
//
//	d2f/dxi2 ~ [f(x+h*ei) - 2f(x) + f(x-h*ei)] / h^2
//
// with a single shared evaluation of f(x). Off-diagonal entries use the
// four-point mixed stencil
//
//	d2f/dxidxj ~ [f(++)-f(+-)-f(-+)+f(--)] / (4*hi*hj)
//
// computed once per unordered pair; the result is stored with a single write,
// so the returned matrix is exactly symmetric regardless of floating-point
// evaluation order.
func (e *Estimator) Hessian(ctx context.Context, f Objective, x []float64, step Step) (*mat.SymDense, error) {
	const op = "Estimator.Hessian"

	n := len(x)
	if n == 0 {
		return nil, NewError("evaluation point must have at least one dimension").WithOperation(op)
	}
	if f == nil {
		return nil, NewError("objective function must not be nil").WithOperation(op)
	}

	h, err := step.resolve(n)
	if err != nil {
		return nil, WrapError(err, "invalid step specification").WithOperation(op)
	}

	e.logger.Debug("Estimating Hessian",
		zap.Int("dims", n),
		zap.Int("workers", e.workers),
		zap.Float64s("steps", h),
	)

	// Center evaluation, shared by every diagonal stencil.
	f0, err := e.evalShift(f, x, -1, 0, -1, 0)
	if err != nil {
		return nil, err
	}

	if e.workers > 1 && n > 1 {
		return e.hessianParallel(ctx, f, x, h, f0)
	}

	hess := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var v float64
			if i == j {
				v, err = e.partialII(f, x, i, h[i], f0)
			} else {
				v, err = e.partialIJ(f, x, i, j, h[i], h[j])
			}
			if err != nil {
				return nil, err
			}
			// One write covers (i,j) and (j,i).
			hess.SetSym(i, j, v)
		}
	}

	return hess, nil
}

// hessianParallel evaluates the independent stencil entries on a bounded
// goroutine pool. Entry values land in shared symmetric storage under a
// mutex; the first evaluation error cancels the remaining work.
func (e *Estimator) hessianParallel(parent context.Context, f Objective, x, h []float64, f0 float64) (*mat.SymDense, error) {
	n := len(x)
	hess := mat.NewSymDense(n, nil)

	type cell struct{ i, j int }
	jobs := make(chan cell)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	workers := e.workers
	if cells := n * (n + 1) / 2; workers > cells {
		workers = cells
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				if ctx.Err() != nil {
					continue
				}
				var (
					v   float64
					err error
				)
				if c.i == c.j {
					v, err = e.partialII(f, x, c.i, h[c.i], f0)
				} else {
					v, err = e.partialIJ(f, x, c.i, c.j, h[c.i], h[c.j])
				}
				if err != nil {
					setErr(err)
					continue
				}
				mu.Lock()
				hess.SetSym(c.i, c.j, v)
				mu.Unlock()
			}
		}()
	}

feed:
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			select {
			case jobs <- cell{i, j}:
			case <-ctx.Done():
				break feed
			}
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := parent.Err(); err != nil {
		return nil, err
	}
	return hess, nil
}

// partialII computes the pure second partial along axis i.
//
// Two evaluations per axis; f0 is the shared center value f(x).
func (e *Estimator) partialII(f Objective, x []float64, i int, h, f0 float64) (float64, error) {
	fp, err := e.evalShift(f, x, i, +h, -1, 0)
	if err != nil {
		return 0, err
	}
	fm, err := e.evalShift(f, x, i, -h, -1, 0)
	if err != nil {
		return 0, err
	}
	return (fp - 2*f0 + fm) / (h * h), nil
}

// partialIJ computes the mixed second partial with respect to axes i and j.
//
//	f(x+h,y+k) - f(x+h,y-k) - f(x-h,y+k) + f(x-h,y-k)
//	-------------------------------------------------
//	                     4*h*k
func (e *Estimator) partialIJ(f Objective, x []float64, i, j int, h, k float64) (float64, error) {
	f1, err := e.evalShift(f, x, i, +h, j, +k)
	if err != nil {
		return 0, err
	}
	f2, err := e.evalShift(f, x, i, +h, j, -k)
	if err != nil {
		return 0, err
	}
	f3, err := e.evalShift(f, x, i, -h, j, +k)
	if err != nil {
		return 0, err
	}
	f4, err := e.evalShift(f, x, i, -h, j, -k)
	if err != nil {
		return 0, err
	}
	return (f1 - f2 - f3 + f4) / (4 * h * k), nil
}

// evalShift evaluates f at a copy of x shifted by di along axis i and dj
// along axis j. Negative indices leave the point unperturbed, so the center
// evaluation shares the same path. x itself is never mutated.
func (e *Estimator) evalShift(f Objective, x []float64, i int, di float64, j int, dj float64) (float64, error) {
	p := e.pool.Get(len(x))
	defer e.pool.Put(p)

	copy(p, x)
	if i >= 0 {
		p[i] += di
	}
	if j >= 0 {
		p[j] += dj
	}

	v, err := f(p)
	if err != nil {
		return 0, &EvaluationError{Point: append([]float64(nil), p...), Err: err}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &EvaluationError{Point: append([]float64(nil), p...), Value: v}
	}
	return v, nil
}
