package estimate

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestHessian1D(t *testing.T) {
	// f(x) = -1/2 (x-3)^2 / s^2 has constant second derivative -1/s^2, so the
	// central stencil is exact up to rounding.
	s := 2.0
	f := func(x []float64) (float64, error) {
		d := x[0] - 3
		return -0.5 * d * d / (s * s), nil
	}

	hess, err := testEstimator().Hessian(context.Background(), f, []float64{3}, UniformStep(1e-4))
	require.NoError(t, err)

	r, c := hess.Dims()
	assert.Equal(t, 1, r)
	assert.Equal(t, 1, c)
	assert.InEpsilon(t, -1/(s*s), hess.At(0, 0), 1e-6)
}

func TestHessianKnownQuadratic(t *testing.T) {
	// The Hessian of -1/2 (x-mu)^T P (x-mu) is -P everywhere.
	prec := mat.NewSymDense(3, []float64{
		2.0, 0.3, 0.1,
		0.3, 1.5, 0.2,
		0.1, 0.2, 4.0,
	})
	mean := []float64{1, 2, 3}

	hess, err := testEstimator().Hessian(context.Background(), quadLogProb(mean, prec), mean, UniformStep(1e-3))
	require.NoError(t, err)

	negPrec := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			negPrec.SetSym(i, j, -prec.At(i, j))
		}
	}
	assertSymEqual(t, negPrec, hess, 1e-6)
}

func TestHessianExactSymmetry(t *testing.T) {
	// Non-symmetric evaluation order must not leak into the result: each
	// unordered pair is computed once and written once.
	f := func(x []float64) (float64, error) {
		return -0.5*x[0]*x[0] - x[1]*x[1] - 0.25*x[2]*x[2] + 0.1*x[0]*x[1] + 0.05*x[1]*x[2], nil
	}

	hess, err := testEstimator().Hessian(context.Background(), f, []float64{0.3, -0.7, 1.1}, UniformStep(1e-4))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.Equal(t, hess.At(i, j), hess.At(j, i), "entry (%d,%d) must equal (%d,%d) exactly", i, j, j, i)
		}
	}
}

func TestHessianEvaluationCount(t *testing.T) {
	// One center point, two evaluations per diagonal entry, four per unordered
	// off-diagonal pair.
	for _, n := range []int{1, 2, 3, 5} {
		prec := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			prec.SetSym(i, i, 1)
		}
		x := make([]float64, n)

		var calls int64
		f := countObjective(quadLogProb(x, prec), &calls)

		_, err := testEstimator().Hessian(context.Background(), f, x, UniformStep(1e-3))
		require.NoError(t, err)

		bound := int64(1 + 2*n + 4*n*(n-1)/2)
		assert.LessOrEqual(t, atomic.LoadInt64(&calls), bound, "N=%d", n)
	}
}

func TestHessianStepValidation(t *testing.T) {
	f := func(x []float64) (float64, error) { return 0, nil }
	x := []float64{1, 2}

	tests := []struct {
		name string
		step Step
	}{
		{"zero uniform", UniformStep(0)},
		{"negative uniform", UniformStep(-1e-3)},
		{"nan uniform", UniformStep(math.NaN())},
		{"inf uniform", UniformStep(math.Inf(1))},
		{"zero value", Step{}},
		{"length mismatch", PerAxisStep([]float64{1e-3})},
		{"negative per-axis", PerAxisStep([]float64{1e-3, -1e-3})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testEstimator().Hessian(context.Background(), f, x, tt.step)
			require.Error(t, err)

			var ee *EvaluationError
			assert.False(t, errors.As(err, &ee), "step validation must fail before any evaluation")
		})
	}
}

func TestHessianPerAxisStep(t *testing.T) {
	prec := mat.NewSymDense(2, []float64{3, 0.5, 0.5, 2})
	mean := []float64{0, 0}

	hess, err := testEstimator().Hessian(context.Background(), quadLogProb(mean, prec),
		mean, PerAxisStep([]float64{1e-3, 1e-4}))
	require.NoError(t, err)

	assert.InEpsilon(t, -3.0, hess.At(0, 0), 1e-5)
	assert.InEpsilon(t, -2.0, hess.At(1, 1), 1e-5)
	assert.InEpsilon(t, -0.5, hess.At(0, 1), 1e-4)
}

func TestHessianEmptyPoint(t *testing.T) {
	f := func(x []float64) (float64, error) { return 0, nil }
	_, err := testEstimator().Hessian(context.Background(), f, nil, UniformStep(1e-3))
	require.Error(t, err)
}

func TestHessianObjectiveErrorPropagates(t *testing.T) {
	sentinel := errors.New("out of domain")
	f := func(x []float64) (float64, error) {
		if x[0] > 1 {
			return 0, sentinel
		}
		return -0.5 * x[0] * x[0], nil
	}

	_, err := testEstimator().Hessian(context.Background(), f, []float64{1}, UniformStep(1e-2))
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel, "the objective's error must propagate unchanged")

	var ee *EvaluationError
	require.ErrorAs(t, err, &ee)
	assert.Len(t, ee.Point, 1)
}

func TestHessianNonFiniteValue(t *testing.T) {
	tests := []struct {
		name  string
		value float64
	}{
		{"nan", math.NaN()},
		{"positive inf", math.Inf(1)},
		{"negative inf", math.Inf(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := func(x []float64) (float64, error) {
				if x[0] != 0 {
					return tt.value, nil
				}
				return 0, nil
			}

			_, err := testEstimator().Hessian(context.Background(), f, []float64{0}, UniformStep(1e-3))
			require.Error(t, err)

			var ee *EvaluationError
			require.ErrorAs(t, err, &ee)
			assert.NoError(t, ee.Err)
		})
	}
}

func TestHessianContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := func(x []float64) (float64, error) { return -0.5 * x[0] * x[0], nil }

	_, err := testEstimator().Hessian(ctx, f, []float64{0, 1}, UniformStep(1e-3))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHessianParallelMatchesSequential(t *testing.T) {
	prec := mat.NewSymDense(4, []float64{
		2.0, 0.3, 0.1, 0.0,
		0.3, 1.5, 0.2, 0.1,
		0.1, 0.2, 4.0, 0.3,
		0.0, 0.1, 0.3, 1.0,
	})
	mean := []float64{1, -1, 0.5, 2}
	f := quadLogProb(mean, prec)

	seq, err := testEstimator().Hessian(context.Background(), f, mean, UniformStep(1e-3))
	require.NoError(t, err)

	par, err := testEstimator(WithWorkers(4)).Hessian(context.Background(), f, mean, UniformStep(1e-3))
	require.NoError(t, err)

	// Each entry is computed by the same sequence of float operations, so the
	// results must agree bit for bit.
	assert.True(t, mat.Equal(seq, par), "parallel result differs from sequential")
}

func TestHessianParallelPropagatesError(t *testing.T) {
	sentinel := errors.New("bad region")
	f := func(x []float64) (float64, error) {
		if x[2] > 0.5 {
			return 0, sentinel
		}
		return -0.5 * (x[0]*x[0] + x[1]*x[1] + x[2]*x[2]), nil
	}

	_, err := testEstimator(WithWorkers(3)).Hessian(context.Background(), f, []float64{0, 0, 0.4999}, UniformStep(1e-2))
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}

func TestHessianStepSizeSweep(t *testing.T) {
	// For a smooth non-quadratic function the error against the analytic
	// second derivative is U-shaped in h: truncation error dominates for
	// large steps, subtractive cancellation for tiny ones.
	f := func(x []float64) (float64, error) { return math.Cos(x[0]), nil }
	x := []float64{0.3}
	analytic := -math.Cos(0.3)

	var errs []float64
	for h := 1e-1; h > 1e-12; h /= 10 {
		hess, err := testEstimator().Hessian(context.Background(), f, x, UniformStep(h))
		require.NoError(t, err)
		errs = append(errs, math.Abs(hess.At(0, 0)-analytic))
	}

	best := 0
	for i, e := range errs {
		if e < errs[best] {
			best = i
		}
	}
	assert.Greater(t, best, 0, "error should shrink as h decreases from the largest step")
	assert.Less(t, best, len(errs)-1, "error should grow again as h approaches machine epsilon")
}

func BenchmarkHessian(b *testing.B) {
	const n = 8
	prec := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		prec.SetSym(i, i, float64(i+1))
	}
	mean := make([]float64, n)
	f := quadLogProb(mean, prec)
	e := testEstimator()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Hessian(context.Background(), f, mean, UniformStep(1e-3)); err != nil {
			b.Fatal(err)
		}
	}
}
