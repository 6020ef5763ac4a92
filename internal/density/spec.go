package density

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/esheldon/covmatrix/internal/estimate"
)

// Density type names accepted in request specs.
const (
	TypeGaussian  = "gaussian"
	TypeQuadratic = "quadratic"
)

// Spec describes a density in a service request. Cov is given row by row.
type Spec struct {
	Type string      `json:"type"`
	Mean []float64   `json:"mean"`
	Cov  [][]float64 `json:"cov"`
}

// FromSpec builds an evaluable log-density from a request spec.
func FromSpec(s Spec) (estimate.Objective, error) {
	cov, err := symFromRows(s.Cov)
	if err != nil {
		return nil, err
	}

	switch s.Type {
	case TypeGaussian, "":
		g, err := NewGaussian(s.Mean, cov)
		if err != nil {
			return nil, err
		}
		return g.LogProb, nil
	case TypeQuadratic:
		q, err := NewQuadraticForm(s.Mean, cov)
		if err != nil {
			return nil, err
		}
		return q.LogProb, nil
	default:
		return nil, fmt.Errorf("unknown density type %q", s.Type)
	}
}

// symFromRows converts a row-major square matrix to symmetric storage,
// rejecting ragged or asymmetric input.
func symFromRows(rows [][]float64) (*mat.SymDense, error) {
	n := len(rows)
	if n == 0 {
		return nil, fmt.Errorf("covariance matrix is required")
	}

	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("covariance row %d has %d entries, want %d", i, len(row), n)
		}
	}

	out := mat.NewSymDense(n, nil)
	for i, row := range rows {
		for j := i; j < n; j++ {
			if rows[j][i] != row[j] {
				return nil, fmt.Errorf("covariance matrix is not symmetric at (%d,%d)", i, j)
			}
			out.SetSym(i, j, row[j])
		}
	}
	return out, nil
}
