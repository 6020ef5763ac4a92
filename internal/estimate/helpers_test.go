package estimate

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// testEstimator builds an estimator with a quiet logger for tests.
func testEstimator(opts ...Option) *Estimator {
	return NewEstimator(append([]Option{WithLogger(zap.NewNop())}, opts...)...)
}

// quadLogProb returns the log-density -1/2 (x-mean)^T prec (x-mean), whose
// Hessian is exactly -prec everywhere.
func quadLogProb(mean []float64, prec *mat.SymDense) Objective {
	return func(x []float64) (float64, error) {
		n := len(mean)
		d := make([]float64, n)
		for i := range d {
			d[i] = x[i] - mean[i]
		}
		v := mat.NewVecDense(n, d)
		var tmp mat.VecDense
		tmp.MulVec(prec, v)
		return -0.5 * mat.Dot(v, &tmp), nil
	}
}

// countObjective wraps f and counts invocations.
func countObjective(f Objective, calls *int64) Objective {
	return func(x []float64) (float64, error) {
		atomic.AddInt64(calls, 1)
		return f(x)
	}
}

// invertSym inverts a symmetric matrix for test setup.
func invertSym(t *testing.T, s *mat.SymDense) *mat.SymDense {
	t.Helper()

	var inv mat.Dense
	require.NoError(t, inv.Inverse(s))

	n := s.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, inv.At(i, j))
		}
	}
	return out
}

// assertSymEqual checks two symmetric matrices entry by entry with a
// per-entry relative tolerance.
func assertSymEqual(t *testing.T, want, got *mat.SymDense, relTol float64) {
	t.Helper()

	require.Equal(t, want.SymmetricDim(), got.SymmetricDim(), "dimension mismatch")
	n := want.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			w := want.At(i, j)
			g := got.At(i, j)
			scale := w
			if scale == 0 {
				scale = 1
			}
			if diff := (g - w) / scale; diff > relTol || diff < -relTol {
				t.Fatalf("at (%d,%d): got %v, want %v (relative tolerance %v)", i, j, g, w, relTol)
			}
		}
	}
}
