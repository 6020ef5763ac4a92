package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "estimations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreCreateAndGet(t *testing.T) {
	s := testStore(t)

	rec := &Record{
		ID:        uuid.New().String(),
		Status:    "pending",
		Dim:       2,
		Point:     []float64{1, 2},
		Step:      []float64{1e-3, 1e-3},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.Create(rec))

	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, 2, got.Dim)
	assert.Equal(t, rec.Point, got.Point)
	assert.Equal(t, rec.Step, got.Step)
	assert.Nil(t, got.Hessian)
	assert.Nil(t, got.Covariance)
	assert.Nil(t, got.CompletedAt)
}

func TestStoreFinish(t *testing.T) {
	s := testStore(t)

	rec := &Record{
		ID:        uuid.New().String(),
		Status:    "running",
		Dim:       2,
		Point:     []float64{0, 0},
		Step:      []float64{1e-3, 1e-3},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.Create(rec))

	hess := [][]float64{{-1, 0}, {0, -2}}
	cov := [][]float64{{1, 0}, {0, 0.5}}
	require.NoError(t, s.Finish(rec.ID, "completed", hess, cov, "", time.Now()))

	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, hess, got.Hessian)
	assert.Equal(t, cov, got.Covariance)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.CompletedAt)
}

func TestStoreFinishWithError(t *testing.T) {
	s := testStore(t)

	rec := &Record{
		ID:        uuid.New().String(),
		Status:    "running",
		Dim:       1,
		Point:     []float64{0},
		Step:      []float64{1e-3},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.Create(rec))
	require.NoError(t, s.Finish(rec.ID, "failed", nil, nil, "hessian is singular", time.Now()))

	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "hessian is singular", got.Error)
	assert.Nil(t, got.Covariance)
}

func TestStoreNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.Get("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Finish("no-such-id", "failed", nil, nil, "", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreList(t *testing.T) {
	s := testStore(t)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		rec := &Record{
			ID:        uuid.New().String(),
			Status:    "pending",
			Dim:       1,
			Point:     []float64{float64(i)},
			Step:      []float64{1e-3},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.Create(rec))
	}

	recs, err := s.List(10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// Newest first.
	assert.Equal(t, []float64{2}, recs[0].Point)
	assert.Equal(t, []float64{0}, recs[2].Point)
}
