package estimate

import "sync"

// vecPool provides reusable scratch slices for perturbed evaluation points,
// so a full Hessian estimate does not allocate one copy per stencil
// evaluation. Safe for use by concurrent stencil workers.
type vecPool struct {
	pool sync.Pool
}

func newVecPool() *vecPool {
	return &vecPool{}
}

// Get returns a scratch slice of length n from the pool or allocates a new one.
func (p *vecPool) Get(n int) []float64 {
	if v, ok := p.pool.Get().([]float64); ok && cap(v) >= n {
		return v[:n]
	}
	return make([]float64, n)
}

// Put returns a scratch slice to the pool.
func (p *vecPool) Put(v []float64) {
	p.pool.Put(v) //nolint:staticcheck // slices are small, boxing is fine here
}
