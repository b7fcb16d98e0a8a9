package sqlguard

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var behaviorEpoch = time.Unix(1_700_000_000, 0).UTC()

func qpmOnlyConfig(medium, high float64) BehaviorConfig {
	return BehaviorConfig{
		WindowSeconds:   1,
		ThresholdMedium: medium,
		ThresholdHigh:   high,
		Weights:         BehaviorWeights{QPM: 1},
	}
}

func activity(id, principal string, at time.Time, sql string) *QueryActivityRecord {
	return &QueryActivityRecord{
		ID:         id,
		OccurredAt: at,
		Principal:  principal,
		RawText:    sql,
		Outcome:    OutcomeSucceeded,
	}
}

func TestBehaviorBurstEmitsOneFinding(t *testing.T) {
	metrics := NewMetrics()
	d := NewBehaviorDetector(qpmOnlyConfig(0.8, 0.95), nil, WithBehaviorMetrics(metrics))

	var findings []*Finding
	for i := 0; i < 200; i++ {
		at := behaviorEpoch.Add(time.Duration(i) * time.Millisecond)
		if f := d.Observe(activity(fmt.Sprintf("r%d", i), "bulk@example.com", at, "SELECT 1")); f != nil {
			findings = append(findings, f)
		}
	}
	require.Empty(t, findings, "no window retires while the first one is open")

	f := d.Observe(activity("next", "bulk@example.com", behaviorEpoch.Add(2*time.Second), "SELECT 1"))
	require.NotNil(t, f)
	assert.Equal(t, KindBehavior, f.Kind)
	assert.True(t, f.Severity.AtLeast(SeverityMedium))
	assert.Equal(t, "r199", f.SourceRecordID)
	assert.Equal(t, "bulk@example.com", f.Principal)
	assert.NotEmpty(t, f.ID)
	assert.True(t, strings.HasPrefix(f.Evidence, "USER=bulk@example.com QPM=12000.00 WRITE_RATIO=0.00 DDL/m=0.00 ERR=0 SCORE=12000.00"), f.Evidence)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.windowsRetired.WithLabelValues("finding")))
}

func TestBehaviorTwoObservationsEmitNothing(t *testing.T) {
	d := NewBehaviorDetector(qpmOnlyConfig(0.8, 0.95), nil)
	assert.Nil(t, d.Observe(activity("a", "p@example.com", behaviorEpoch, "SELECT 1")))
	assert.Nil(t, d.Observe(activity("b", "p@example.com", behaviorEpoch.Add(500*time.Millisecond), "SELECT 1")))
}

func TestBehaviorBelowThresholdEmitsNothing(t *testing.T) {
	metrics := NewMetrics()
	d := NewBehaviorDetector(qpmOnlyConfig(1e9, 2e9), nil, WithBehaviorMetrics(metrics))
	for i := 0; i < 50; i++ {
		d.Observe(activity(fmt.Sprintf("r%d", i), "p@example.com", behaviorEpoch, "SELECT 1"))
	}
	assert.Nil(t, d.Observe(activity("late", "p@example.com", behaviorEpoch.Add(5*time.Second), "SELECT 1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.windowsRetired.WithLabelValues("benign")))
}

func TestBehaviorPrincipalsAreIndependent(t *testing.T) {
	d := NewBehaviorDetector(qpmOnlyConfig(0.8, 0.95), nil)
	d.Observe(activity("a1", "a@example.com", behaviorEpoch, "SELECT 1"))
	// A different principal in a later window does not retire a's window.
	assert.Nil(t, d.Observe(activity("b1", "b@example.com", behaviorEpoch.Add(3*time.Second), "SELECT 1")))

	f := d.Observe(activity("a2", "a@example.com", behaviorEpoch.Add(3*time.Second), "SELECT 1"))
	require.NotNil(t, f)
	assert.Equal(t, "a1", f.SourceRecordID)
}

func TestScoreWindow(t *testing.T) {
	cfg := DefaultBehaviorConfig()
	w := &PrincipalWindow{Total: 120, Writes: 30, DDL: 6, Errors: 4}
	s := ScoreWindow(w, cfg)
	assert.InDelta(t, 120.0, s.QPM, 1e-9)
	assert.InDelta(t, 0.25, s.WriteRatio, 1e-9)
	assert.InDelta(t, 6.0, s.DDLPerMin, 1e-9)
	assert.Equal(t, int64(4), s.ErrorBurst)
	assert.InDelta(t, 120+0.25+6+2, s.Score, 1e-9)

	assert.Zero(t, ScoreWindow(&PrincipalWindow{}, cfg).WriteRatio)
}

func TestBehaviorConfigClassify(t *testing.T) {
	cfg := DefaultBehaviorConfig()
	sev, ok := cfg.Classify(6.0)
	assert.True(t, ok)
	assert.Equal(t, SeverityHigh, sev)
	sev, ok = cfg.Classify(3.0)
	assert.True(t, ok)
	assert.Equal(t, SeverityMedium, sev)
	_, ok = cfg.Classify(2.99)
	assert.False(t, ok)
}

func TestAlignWindow(t *testing.T) {
	assert.Equal(t, int64(120), alignWindow(179, 60))
	assert.Equal(t, int64(180), alignWindow(180, 60))
	assert.Equal(t, int64(-60), alignWindow(-1, 60))
	assert.Equal(t, int64(-60), alignWindow(-60, 60))
}

func TestBehaviorAccumulatesActionsAndErrors(t *testing.T) {
	store := NewInMemoryWindowStore()
	d := NewBehaviorDetector(DefaultBehaviorConfig(), store)
	failed := activity("f", "p@example.com", behaviorEpoch, "DELETE FROM t")
	failed.Outcome = OutcomeFailed
	d.Observe(activity("s", "p@example.com", behaviorEpoch, "select * from t"))
	d.Observe(activity("i", "p@example.com", behaviorEpoch, "insert into t values (1)"))
	d.Observe(activity("d", "p@example.com", behaviorEpoch, "drop table t"))
	d.Observe(failed)

	w, ok := store.Get("p@example.com")
	require.True(t, ok)
	assert.Equal(t, int64(4), w.Total)
	assert.Equal(t, int64(2), w.Writes)
	assert.Equal(t, int64(1), w.DDL)
	assert.Equal(t, int64(1), w.Errors)
	assert.Equal(t, "f", w.LastRecordID)
}

func TestBehaviorFailOpen(t *testing.T) {
	metrics := NewMetrics()
	store := NewInMemoryWindowStore()
	d := NewBehaviorDetector(DefaultBehaviorConfig(), store, WithBehaviorMetrics(metrics))

	assert.Nil(t, d.Observe(nil))
	assert.Nil(t, d.Observe(activity("x", "", behaviorEpoch, "SELECT 1")))
	assert.Nil(t, d.Observe(activity("y", "p@example.com", time.Time{}, "SELECT 1")))
	_, ok := store.Get("p@example.com")
	assert.False(t, ok)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.evaluationFailures.WithLabelValues("behavior")))

	broken := NewBehaviorDetector(DefaultBehaviorConfig(), panickingWindowStore{})
	assert.Nil(t, broken.Observe(activity("z", "p@example.com", behaviorEpoch, "SELECT 1")))
}

type panickingWindowStore struct{}

func (panickingWindowStore) Compute(string, func(*PrincipalWindow) (*PrincipalWindow, error)) error {
	panic("window store exploded")
}

func (panickingWindowStore) Get(string) (*PrincipalWindow, bool) { return nil, false }

func (panickingWindowStore) Len() int { return 0 }

func TestBehaviorConcurrentObservations(t *testing.T) {
	store := NewInMemoryWindowStore()
	d := NewBehaviorDetector(DefaultBehaviorConfig(), store)

	const workers, perWorker = 8, 250
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				d.Observe(activity(fmt.Sprintf("s-%d-%d", w, i), "shared@example.com", behaviorEpoch, "UPDATE t SET a = 1"))
				d.Observe(activity(fmt.Sprintf("o-%d-%d", w, i), fmt.Sprintf("own-%d@example.com", w), behaviorEpoch, "SELECT 1"))
			}
		}(w)
	}
	wg.Wait()

	shared, ok := store.Get("shared@example.com")
	require.True(t, ok)
	assert.Equal(t, int64(workers*perWorker), shared.Total)
	assert.Equal(t, int64(workers*perWorker), shared.Writes)
	for w := 0; w < workers; w++ {
		own, ok := store.Get(fmt.Sprintf("own-%d@example.com", w))
		require.True(t, ok)
		assert.Equal(t, int64(perWorker), own.Total)
	}
	assert.Equal(t, workers+1, store.Len())
}

func TestWindowStoreComputeErrorKeepsState(t *testing.T) {
	store := NewInMemoryWindowStore()
	require.NoError(t, store.Compute("p", func(*PrincipalWindow) (*PrincipalWindow, error) {
		return &PrincipalWindow{Principal: "p", Total: 1}, nil
	}))
	err := store.Compute("p", func(cur *PrincipalWindow) (*PrincipalWindow, error) {
		cur.Total = 99
		return nil, fmt.Errorf("boom")
	})
	require.Error(t, err)
	w, _ := store.Get("p")
	assert.Equal(t, int64(1), w.Total)
}
