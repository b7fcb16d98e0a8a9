package sqlguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSaveStore struct {
	*InMemoryStore
}

func (failingSaveStore) SaveRecord(context.Context, *QueryActivityRecord) error {
	return errors.New("disk full")
}

func TestCachedStoreHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	metrics := NewMetrics()
	backing := NewInMemoryStore()
	require.NoError(t, backing.SaveRecord(ctx, &QueryActivityRecord{ID: "q1", Principal: "a@example.com", Outcome: OutcomeSucceeded}))

	s := NewCachedStore(backing, 8, time.Minute, metrics)
	for i := 0; i < 3; i++ {
		rec, err := s.GetRecord(ctx, "q1")
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", rec.Principal)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.cacheMisses))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.cacheHits))
	assert.Equal(t, 1, s.Len())

	_, err := s.GetRecord(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, s.Len())
}

func TestCachedStoreWritesThrough(t *testing.T) {
	ctx := context.Background()
	backing := NewInMemoryStore()
	s := NewCachedStore(backing, 8, time.Minute, nil)

	rec := &QueryActivityRecord{ID: "q1", Outcome: OutcomeSucceeded}
	require.NoError(t, s.SaveRecord(ctx, rec))
	rec.Outcome = OutcomeFailed
	require.NoError(t, s.SaveRecord(ctx, rec))

	stored, err := backing.GetRecord(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, stored.Outcome)
	cached, err := s.GetRecord(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, cached.Outcome)

	// Callers cannot mutate the cached copy.
	cached.Outcome = OutcomeSucceeded
	again, _ := s.GetRecord(ctx, "q1")
	assert.Equal(t, OutcomeFailed, again.Outcome)
}

func TestCachedStoreEvictsOnFailedSave(t *testing.T) {
	ctx := context.Background()
	mem := NewInMemoryStore()
	s := NewCachedStore(failingSaveStore{mem}, 8, time.Minute, nil)
	s.cache.Add("q1", QueryActivityRecord{ID: "q1"})

	assert.Error(t, s.SaveRecord(ctx, &QueryActivityRecord{ID: "q1"}))
	assert.Equal(t, 0, s.Len())
}
