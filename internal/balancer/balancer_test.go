package balancer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskweave/internal/store"
	"taskweave/internal/types"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newBalancer(t *testing.T) (*Balancer, *store.LocalStore) {
	t.Helper()
	db, err := store.NewLocalStore(filepath.Join(t.TempDir(), "balancer.db"), store.Options{MaxRetries: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	opts := DefaultOptions()
	opts.Now = func() time.Time { return epoch }
	return New(db, opts), db
}

func register(t *testing.T, b *Balancer, id string, specialties []string, capacity int, eff float64) {
	t.Helper()
	_, err := b.Register(context.Background(), types.WorkerProfile{
		WorkerID: id, Specialties: specialties, MaxCapacity: capacity, EfficiencyScore: eff,
	})
	require.NoError(t, err)
}

func TestAssignPrefersSpecialistWithHigherEfficiency(t *testing.T) {
	b, _ := newBalancer(t)
	register(t, b, "A", []string{"backend"}, 1, 0.9)
	register(t, b, "B", []string{"design"}, 1, 0.5)

	task := types.Task{ID: "t1", RequiredSpecialties: []string{"backend"}, Priority: types.PriorityHigh, EstimatedDurationMinutes: 30}
	a, err := b.Assign(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, "A", a.WorkerID)
	require.Len(t, a.Candidates, 2)
	assert.Equal(t, "B", a.Candidates[1].WorkerID)
	assert.Greater(t, a.Score, a.Candidates[1].Total)
	assert.InDelta(t, 40+25+18+5, a.Score, 1e-9)
	assert.InDelta(t, 0+25+10+5, a.Candidates[1].Total, 1e-9)
	assert.Equal(t, epoch.Add(30*time.Minute), a.EstimatedCompletion)

	p, ok := b.Get("A")
	require.True(t, ok)
	assert.Equal(t, 1, p.CurrentTaskCount)
	assert.Equal(t, epoch, p.LastAssignedAt)
}

func TestScoreComponents(t *testing.T) {
	w := types.WorkerProfile{
		WorkerID: "w", Specialties: []string{"Backend", "data"}, MaxCapacity: 4, CurrentTaskCount: 1,
		EfficiencyScore: 0.95, LastAssignedAt: epoch.Add(-2 * time.Hour),
	}
	task := types.Task{RequiredSpecialties: []string{"backend", "frontend"}, Priority: types.PriorityCritical}

	bd := Score(task, w, epoch)
	assert.InDelta(t, 20, bd.Specialty, 1e-9)
	assert.InDelta(t, 18.75, bd.Workload, 1e-9)
	assert.InDelta(t, 19, bd.Efficiency, 1e-9)
	assert.InDelta(t, 10, bd.Critical, 1e-9)
	assert.InDelta(t, 2, bd.Recency, 1e-9)
	assert.InDelta(t, 69.75, bd.Total, 1e-9)

	w.EfficiencyScore = 0.9
	assert.Zero(t, Score(task, w, epoch).Critical, "bonus requires efficiency strictly above 0.9")

	w.LastAssignedAt = epoch.Add(-48 * time.Hour)
	assert.InDelta(t, 5, Score(task, w, epoch).Recency, 1e-9)

	assert.InDelta(t, 40, Score(types.Task{}, w, epoch).Specialty, 1e-9)
}

func TestAssignTieBreaksOnWorkerID(t *testing.T) {
	b, _ := newBalancer(t)
	register(t, b, "zeta", []string{"ops"}, 2, 0.7)
	register(t, b, "alpha", []string{"ops"}, 2, 0.7)

	a, err := b.Assign(context.Background(), types.Task{ID: "t", RequiredSpecialties: []string{"ops"}})
	require.NoError(t, err)
	assert.Equal(t, "alpha", a.WorkerID)
}

func TestAssignConcurrentNeverExceedsCapacity(t *testing.T) {
	b, _ := newBalancer(t)
	register(t, b, "solo", []string{"backend"}, 1, 0.8)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		exceeded  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Assign(context.Background(), types.Task{ID: "t", RequiredSpecialties: []string{"backend"}})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, types.ErrCapacityExceeded):
				exceeded++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, exceeded)
	p, _ := b.Get("solo")
	assert.Equal(t, 1, p.CurrentTaskCount)
}

func TestQueueDelayInEstimate(t *testing.T) {
	b, _ := newBalancer(t)
	register(t, b, "w", nil, 3, 0.7)
	ctx := context.Background()

	_, err := b.Assign(ctx, types.Task{ID: "t1", EstimatedDurationMinutes: 10})
	require.NoError(t, err)
	a, err := b.Assign(ctx, types.Task{ID: "t2", EstimatedDurationMinutes: 10})
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(25*time.Minute), a.EstimatedCompletion)
}

func TestCompleteUpdatesEfficiency(t *testing.T) {
	b, db := newBalancer(t)
	register(t, b, "w", nil, 2, 0.5)
	ctx := context.Background()
	_, err := b.Assign(ctx, types.Task{ID: "t"})
	require.NoError(t, err)

	// Finished in half the estimate: ratio caps at 1.
	p, err := b.Complete(ctx, "w", 30, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, p.CurrentTaskCount)
	assert.InDelta(t, 0.5*0.8+1*0.2, p.EfficiencyScore, 1e-9)
	assert.InDelta(t, 15, p.AverageTaskMinutes, 1e-9)

	// Took twice the estimate.
	_, err = b.Assign(ctx, types.Task{ID: "t2"})
	require.NoError(t, err)
	p, err = b.Complete(ctx, "w", 30, 60*time.Minute)
	require.NoError(t, err)
	assert.InDelta(t, 0.6*0.8+0.5*0.2, p.EfficiencyScore, 1e-9)

	persisted, err := db.LoadWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.InDelta(t, p.EfficiencyScore, persisted[0].EfficiencyScore, 1e-9)

	_, err = b.Complete(ctx, "ghost", 1, time.Minute)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	b, _ := newBalancer(t)
	register(t, b, "w", nil, 1, 0.7)

	p, err := b.Release(context.Background(), "w")
	require.NoError(t, err)
	assert.Equal(t, 0, p.CurrentTaskCount)
	assert.InDelta(t, 0.7, p.EfficiencyScore, 1e-9)
}

func TestReserveRespectsCapacity(t *testing.T) {
	b, _ := newBalancer(t)
	register(t, b, "w", nil, 1, 0.7)
	ctx := context.Background()

	require.NoError(t, b.Reserve(ctx, "w"))
	assert.ErrorIs(t, b.Reserve(ctx, "w"), types.ErrCapacityExceeded)
	assert.ErrorIs(t, b.Reserve(ctx, "nobody"), types.ErrNotFound)
}

func TestRegisterKeepsLoadAndEfficiency(t *testing.T) {
	b, _ := newBalancer(t)
	register(t, b, "w", []string{"a"}, 2, 0.4)
	_, err := b.Assign(context.Background(), types.Task{ID: "t"})
	require.NoError(t, err)

	p, err := b.Register(context.Background(), types.WorkerProfile{WorkerID: "w", Specialties: []string{"b"}, MaxCapacity: 5, EfficiencyScore: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, p.Specialties)
	assert.Equal(t, 5, p.MaxCapacity)
	assert.Equal(t, 1, p.CurrentTaskCount)
	assert.InDelta(t, 0.4, p.EfficiencyScore, 1e-9)

	_, err = b.Register(context.Background(), types.WorkerProfile{})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestRegisterRejectsCapacityBelowLoad(t *testing.T) {
	b, _ := newBalancer(t)
	ctx := context.Background()
	register(t, b, "w", []string{"a"}, 3, 0.7)
	for i := 0; i < 3; i++ {
		_, err := b.Assign(ctx, types.Task{ID: "t"})
		require.NoError(t, err)
	}

	_, err := b.Register(ctx, types.WorkerProfile{WorkerID: "w", Specialties: []string{"a"}, MaxCapacity: 1})
	assert.ErrorIs(t, err, types.ErrCapacityExceeded)
	p, _ := b.Get("w")
	assert.Equal(t, 3, p.MaxCapacity)
	assert.Equal(t, 3, p.CurrentTaskCount)

	// Shrinking to exactly the current load is allowed.
	p, err = b.Register(ctx, types.WorkerProfile{WorkerID: "w", Specialties: []string{"a"}, MaxCapacity: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, p.MaxCapacity)
}

func TestBootstrapClampsLoadToCapacity(t *testing.T) {
	b, db := newBalancer(t)
	ctx := context.Background()
	register(t, b, "w", nil, 1, 0.7)

	require.NoError(t, db.InsertSession(ctx, &types.WorkflowSession{
		SessionID: "s1", Name: "legacy", CoordinatorWorker: "w", Status: types.SessionActive, CreatedAt: epoch,
	}))
	for _, id := range []string{"a", "b"} {
		require.NoError(t, db.InsertTask(ctx, &types.Task{
			ID: id, WorkflowID: "s1", Description: "step", Priority: types.PriorityMedium,
			Status: types.TaskInProgress, AssignedWorker: "w", CreatedAt: epoch,
		}))
	}

	fresh := New(db, Options{Now: func() time.Time { return epoch }})
	require.NoError(t, fresh.Bootstrap(ctx))
	p, ok := fresh.Get("w")
	require.True(t, ok)
	assert.Equal(t, 1, p.CurrentTaskCount)
	assert.Equal(t, 1, p.MaxCapacity)
}

func TestBootstrapRestoresProfilesAndLoad(t *testing.T) {
	b, db := newBalancer(t)
	ctx := context.Background()
	register(t, b, "w1", []string{"backend"}, 3, 0.65)
	register(t, b, "w2", []string{"design"}, 2, 0.7)

	require.NoError(t, db.InsertSession(ctx, &types.WorkflowSession{
		SessionID: "s1", Name: "release", CoordinatorWorker: "w1", Status: types.SessionActive, CreatedAt: epoch,
	}))
	for i, st := range []types.TaskStatus{types.TaskAssigned, types.TaskInProgress, types.TaskCompleted} {
		require.NoError(t, db.InsertTask(ctx, &types.Task{
			ID: string(rune('a' + i)), WorkflowID: "s1", Description: "step", Priority: types.PriorityMedium,
			Status: st, AssignedWorker: "w1", CreatedAt: epoch,
		}))
	}

	fresh := New(db, Options{Now: func() time.Time { return epoch }})
	require.NoError(t, fresh.Bootstrap(ctx))

	assert.Equal(t, []string{"w1", "w2"}, fresh.WorkerIDs())
	p, ok := fresh.Get("w1")
	require.True(t, ok)
	assert.Equal(t, 2, p.CurrentTaskCount)
	assert.InDelta(t, 0.65, p.EfficiencyScore, 1e-9)
	p, _ = fresh.Get("w2")
	assert.Equal(t, 0, p.CurrentTaskCount)
}

type failingRepo struct {
	Repository
	fail bool
}

func (f *failingRepo) UpsertWorker(ctx context.Context, w types.WorkerProfile) error {
	if f.fail {
		return &types.PersistenceError{Op: "UpsertWorker", Attempts: 3, Err: errors.New("disk full")}
	}
	return nil
}

func TestAssignRollsBackOnPersistenceFailure(t *testing.T) {
	repo := &failingRepo{}
	b := New(repo, Options{Now: func() time.Time { return epoch }})
	register(t, b, "w", nil, 1, 0.7)

	repo.fail = true
	_, err := b.Assign(context.Background(), types.Task{ID: "t"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPersistence)

	p, _ := b.Get("w")
	assert.Equal(t, 0, p.CurrentTaskCount)
	assert.True(t, p.LastAssignedAt.IsZero())
}
