package density

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/esheldon/covmatrix/internal/estimate"
)

func testCov() *mat.SymDense {
	return mat.NewSymDense(3, []float64{
		400.0, 0.2, 0.1,
		0.2, 2.0, 0.2,
		0.1, 0.2, 1.0,
	})
}

func TestGaussianLogProb(t *testing.T) {
	mean := []float64{1, 2, 3}
	g, err := NewGaussian(mean, testCov())
	require.NoError(t, err)
	assert.Equal(t, 3, g.Dim())

	// The normalized log-density and the bare quadratic form differ only by
	// the normalization constant, everywhere.
	q, err := NewQuadraticForm(mean, testCov())
	require.NoError(t, err)

	atMode, err := g.LogProb(mean)
	require.NoError(t, err)

	points := [][]float64{
		{1, 2, 3},
		{0, 0, 0},
		{21, 3.4, 2.1},
	}
	for _, x := range points {
		gv, err := g.LogProb(x)
		require.NoError(t, err)
		qv, err := q.LogProb(x)
		require.NoError(t, err)
		assert.InDelta(t, gv-atMode, qv, 1e-9, "at %v", x)
	}
}

func TestGaussianDimensionMismatch(t *testing.T) {
	_, err := NewGaussian([]float64{1, 2}, testCov())
	require.Error(t, err)

	g, err := NewGaussian([]float64{1, 2, 3}, testCov())
	require.NoError(t, err)
	_, err = g.LogProb([]float64{1, 2})
	assert.Error(t, err)
}

func TestGaussianNotPositiveDefinite(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{1, 0, 0, -1})
	_, err := NewGaussian([]float64{0, 0}, cov)
	require.Error(t, err)
}

func TestQuadraticFormAtMode(t *testing.T) {
	mean := []float64{1, 2, 3}
	q, err := NewQuadraticForm(mean, testCov())
	require.NoError(t, err)

	v, err := q.LogProb(mean)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	v, err = q.LogProb([]float64{2, 2, 3})
	require.NoError(t, err)
	assert.Less(t, v, 0.0)
}

func TestQuadraticFormSingularCovariance(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{1, 1, 1, 1})
	_, err := NewQuadraticForm([]float64{0, 0}, cov)
	require.Error(t, err)
}

func TestGaussianCovarianceRecovery(t *testing.T) {
	// End to end: estimating the covariance of the normalized Gaussian
	// log-density at its mode recovers the covariance it was built from.
	mean := []float64{1, 2, 3}
	covTrue := testCov()

	g, err := NewGaussian(mean, covTrue)
	require.NoError(t, err)

	got, err := estimate.Covariance(context.Background(), g.LogProb, mean, estimate.UniformStep(1e-3))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			w := covTrue.At(i, j)
			assert.InDelta(t, w, got.At(i, j), math.Abs(w)*1e-3+1e-4, "entry (%d,%d)", i, j)
		}
	}
}

func TestFromSpec(t *testing.T) {
	covRows := [][]float64{
		{2, 0.1},
		{0.1, 1},
	}

	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"gaussian", Spec{Type: TypeGaussian, Mean: []float64{0, 0}, Cov: covRows}, false},
		{"default type", Spec{Mean: []float64{0, 0}, Cov: covRows}, false},
		{"quadratic", Spec{Type: TypeQuadratic, Mean: []float64{0, 0}, Cov: covRows}, false},
		{"unknown type", Spec{Type: "cauchy", Mean: []float64{0, 0}, Cov: covRows}, true},
		{"missing cov", Spec{Type: TypeGaussian, Mean: []float64{0, 0}}, true},
		{"ragged cov", Spec{Type: TypeGaussian, Mean: []float64{0, 0}, Cov: [][]float64{{1, 0}, {0}}}, true},
		{"asymmetric cov", Spec{Type: TypeGaussian, Mean: []float64{0, 0}, Cov: [][]float64{{1, 0.2}, {0.3, 1}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := FromSpec(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			v, err := f(tt.spec.Mean)
			require.NoError(t, err)
			assert.False(t, math.IsNaN(v))
		})
	}
}
