package learning

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"taskweave/internal/store"
	"taskweave/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type workerList []string

func (w workerList) WorkerIDs() []string { return w }

func newLedger(t *testing.T, workers ...string) (*Ledger, *store.LocalStore) {
	t.Helper()
	db, err := store.NewLocalStore(filepath.Join(t.TempDir(), "learning.db"), store.Options{MaxRetries: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	opts := DefaultOptions()
	opts.Now = func() time.Time { return epoch }
	l := NewLedger(db, workerList(workers), opts)
	t.Cleanup(func() { l.Close() })
	return l, db
}

func flush(t *testing.T, l *Ledger) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Flush(ctx))
}

func TestRecordOutcomeSharesAboveThreshold(t *testing.T) {
	l, _ := newLedger(t, "w1", "w2", "w3")
	ctx := context.Background()

	rec, err := l.RecordOutcome(ctx, "w1", "api", "fix", map[string]any{"hint": "retry"}, 0.85)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Frequency)
	flush(t, l)

	for _, target := range []string{"w2", "w3"} {
		k, err := l.GetLearning(ctx, target, "api")
		require.NoError(t, err)
		require.Len(t, k.Shared, 1, target)
		assert.Equal(t, "w1", k.Shared[0].SourceWorker)
		assert.InDelta(t, 0.68, k.Shared[0].Confidence, 1e-9)
		assert.Equal(t, "retry", k.Shared[0].Payload["hint"])
		assert.Empty(t, k.Own)
	}

	own, err := l.GetLearning(ctx, "w1", "")
	require.NoError(t, err)
	assert.Len(t, own.Own, 1)
	assert.Empty(t, own.Shared, "source never receives its own share")

	shared, dropped, failed := l.FanoutStats()
	assert.EqualValues(t, 2, shared)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)
}

func TestRecordOutcomeBelowThresholdStaysPrivate(t *testing.T) {
	l, _ := newLedger(t, "w1", "w2")
	ctx := context.Background()

	_, err := l.RecordOutcome(ctx, "w1", "api", "fix", nil, 0.8)
	require.NoError(t, err)
	flush(t, l)

	k, err := l.GetLearning(ctx, "w2", "")
	require.NoError(t, err)
	assert.Empty(t, k.Shared)
}

func TestRepeatedOutcomeRaisesConfidence(t *testing.T) {
	l, _ := newLedger(t, "w1", "w2")
	ctx := context.Background()

	_, err := l.RecordOutcome(ctx, "w1", "", "style", map[string]any{"v": 1}, 0.5)
	require.NoError(t, err)
	rec, err := l.RecordOutcome(ctx, "w1", "", "style", map[string]any{"v": 2}, 0.1)
	require.NoError(t, err)

	assert.Equal(t, "general", rec.Category)
	assert.Equal(t, 2, rec.Frequency)
	assert.InDelta(t, 0.6, rec.Confidence, 1e-9)
	assert.EqualValues(t, 1, rec.Payload["v"], "first payload kept")

	for i := 0; i < 6; i++ {
		rec, err = l.RecordOutcome(ctx, "w1", "", "style", nil, 0.5)
		require.NoError(t, err)
	}
	assert.InDelta(t, 1.0, rec.Confidence, 1e-9)
	flush(t, l)

	avg, err := l.AverageConfidence(ctx, "w1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, avg, 1e-9)
}

func TestRecordOutcomeValidation(t *testing.T) {
	l, _ := newLedger(t, "w1")
	_, err := l.RecordOutcome(context.Background(), "", "api", "fix", nil, 0.5)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = l.RecordOutcome(context.Background(), "w1", "api", " ", nil, 0.5)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestConcurrentOutcomesAllFanOut(t *testing.T) {
	l, db := newLedger(t, "w1", "w2", "w3", "w4")
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, cat := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func(cat string) {
			defer wg.Done()
			_, err := l.RecordOutcome(ctx, "w1", cat, "fix", nil, 0.9)
			assert.NoError(t, err)
		}(cat)
	}
	wg.Wait()
	flush(t, l)

	for _, target := range []string{"w2", "w3", "w4"} {
		got, err := db.Shared(ctx, target, "")
		require.NoError(t, err)
		assert.Len(t, got, 8, target)
	}
}

type flakyShares struct {
	*store.LocalStore
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]int
}

func (f *flakyShares) PutShared(ctx context.Context, sh types.SharedLearning) error {
	f.mu.Lock()
	f.calls[sh.TargetWorker]++
	n := f.calls[sh.TargetWorker]
	f.mu.Unlock()
	if n <= f.fail[sh.TargetWorker] {
		return errors.New("disk busy")
	}
	return f.LocalStore.PutShared(ctx, sh)
}

func TestFanOutRetriesAndIsolatesFailures(t *testing.T) {
	db, err := store.NewLocalStore(filepath.Join(t.TempDir(), "learning.db"), store.Options{MaxRetries: 1})
	require.NoError(t, err)
	defer db.Close()

	repo := &flakyShares{
		LocalStore: db,
		calls:      map[string]int{},
		fail:       map[string]int{"w2": 1, "w3": 100},
	}
	opts := DefaultOptions()
	opts.RetryBackoff = time.Millisecond
	l := NewLedger(repo, workerList{"w1", "w2", "w3", "w4"}, opts)
	defer l.Close()
	ctx := context.Background()

	_, err = l.RecordOutcome(ctx, "w1", "api", "fix", nil, 0.95)
	require.NoError(t, err, "fan-out failures never fail the caller")
	flush(t, l)

	for target, want := range map[string]int{"w2": 1, "w3": 0, "w4": 1} {
		got, err := db.Shared(ctx, target, "")
		require.NoError(t, err)
		assert.Len(t, got, want, target)
	}
	assert.Equal(t, 2, repo.calls["w2"])
	assert.Equal(t, opts.Retries, repo.calls["w3"])

	shared, _, failed := l.FanoutStats()
	assert.EqualValues(t, 2, shared)
	assert.EqualValues(t, 1, failed)
}

func TestCloseIsIdempotentAndStopsSharing(t *testing.T) {
	l, db := newLedger(t, "w1", "w2")
	ctx := context.Background()
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.RecordOutcome(ctx, "w1", "api", "fix", nil, 0.95)
	require.NoError(t, err)
	got, err := db.Shared(ctx, "w2", "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecordPerformanceOnlineAverages(t *testing.T) {
	l, _ := newLedger(t, "w1")
	ctx := context.Background()
	sat := func(v float64) *float64 { return &v }

	m, err := l.RecordPerformance(ctx, "w1", "backend", true, 100*time.Millisecond, sat(0.9))
	require.NoError(t, err)
	assert.Equal(t, 1, m.TotalTasks)
	assert.InDelta(t, 1.0, m.SuccessRate, 1e-9)
	assert.Equal(t, types.TrendStable, m.Trend)

	m, err = l.RecordPerformance(ctx, "w1", "backend", false, 300*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalTasks)
	assert.InDelta(t, 0.5, m.SuccessRate, 1e-9)
	assert.InDelta(t, 200, m.AverageTimeMs, 1e-9)
	assert.InDelta(t, 0.9, m.AverageSatisfaction, 1e-9)
	assert.Equal(t, types.TrendDeclining, m.Trend)

	m, err = l.RecordPerformance(ctx, "w1", "backend", true, 200*time.Millisecond, sat(1.5))
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, m.SuccessRate, 1e-9)
	assert.InDelta(t, 0.95, m.AverageSatisfaction, 1e-9)
	assert.Equal(t, 2, m.SatisfactionSamples)
	assert.Equal(t, types.TrendImproving, m.Trend)

	all, err := l.Performance(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, m.SuccessRate, all[0].SuccessRate)
}

func TestApplySampleSteadyRateIsStable(t *testing.T) {
	m := &types.PerformanceMetric{TotalTasks: 2, SuccessRate: 1, Trend: types.TrendImproving}
	applySample(m, true, time.Second, nil)
	assert.Equal(t, types.TrendStable, m.Trend)
	assert.Equal(t, 3, m.TotalTasks)
}

func TestRecommend(t *testing.T) {
	l, _ := newLedger(t, "w1", "w2")
	ctx := context.Background()

	_, err := l.RecordPerformance(ctx, "w1", "frontend", false, time.Second, nil)
	require.NoError(t, err)
	_, err = l.RecordPerformance(ctx, "w1", "backend", true, time.Second, nil)
	require.NoError(t, err)

	_, err = l.RecordOutcome(ctx, "w2", "ui", "layout", nil, 0.9)
	require.NoError(t, err)
	_, err = l.RecordOutcome(ctx, "w2", "ui", "colors", nil, 0.4)
	require.NoError(t, err)
	flush(t, l)

	rec, err := l.Recommend(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, rec.SkillsToImprove, 1)
	assert.Equal(t, "frontend", rec.SkillsToImprove[0].TaskType)
	require.Len(t, rec.PatternsFromOthers, 1)
	assert.Equal(t, "layout", rec.PatternsFromOthers[0].LearningType)
}
