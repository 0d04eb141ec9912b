package workflow

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskweave/internal/balancer"
	"taskweave/internal/store"
	"taskweave/internal/types"
)

type fixture struct {
	m    *Manager
	bal  *balancer.Balancer
	db   *store.LocalStore
	path string
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.db")
	db, err := store.NewLocalStore(path, store.Options{MaxRetries: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, path: path, now: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.bal = balancer.New(db, balancer.Options{Now: clock})
	f.m = NewManager(db, f.bal, Options{Now: clock})

	for _, w := range []types.WorkerProfile{
		{WorkerID: "alice", Specialties: []string{"backend"}, MaxCapacity: 5, EfficiencyScore: 0.9},
		{WorkerID: "bob", Specialties: []string{"design"}, MaxCapacity: 5, EfficiencyScore: 0.6},
	} {
		_, err := f.bal.Register(context.Background(), w)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) status(t *testing.T, id string) types.TaskStatus {
	t.Helper()
	task, err := f.m.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func TestSessionAndTaskBasics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.m.CreateSession(ctx, "launch", "ship v2", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, sess.Status)

	t1, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Assignee: "alice", Description: "build api", Deliverables: []string{"api.go"}, Priority: types.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, t1.Status)
	assert.Equal(t, 15, t1.EstimatedDurationMinutes)

	t2, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Description: "draw mockups"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, t2.Status)
	assert.Equal(t, types.PriorityMedium, t2.Priority)

	mine, err := f.m.GetTasksForWorker(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, t1.ID, mine[0].ID)
	assert.Equal(t, []string{"api.go"}, mine[0].Deliverables)

	p, _ := f.bal.Get("alice")
	assert.Equal(t, 1, p.CurrentTaskCount)

	active, err := f.m.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Len(t, active[0].Tasks, 2)

	_, err = f.m.AddTask(ctx, "missing", TaskSpec{Description: "x"})
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.m.AddTask(ctx, sess.SessionID, TaskSpec{Description: "x", DependsOn: []string{"nope"}})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = f.m.CreateSession(ctx, "", "", "alice")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestAssignTaskUsesBalancer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "s", "", "alice")
	require.NoError(t, err)
	task, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Description: "new design system", RequiredSpecialties: []string{"design"}})
	require.NoError(t, err)

	got, a, err := f.m.AssignTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", a.WorkerID)
	assert.Equal(t, "bob", got.AssignedWorker)
	assert.Equal(t, types.TaskAssigned, f.status(t, task.ID))

	_, _, err = f.m.AssignTask(ctx, task.ID)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestDependencyBlocksAndRecheckReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "chain", "", "alice")
	require.NoError(t, err)
	first, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Assignee: "alice", Description: "schema", EstimatedMinutes: 30})
	require.NoError(t, err)
	second, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Assignee: "alice", Description: "endpoint", DependsOn: []string{first.ID}})
	require.NoError(t, err)

	_, err = f.m.UpdateStatus(ctx, second.ID, types.TaskInProgress)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDependencyNotSatisfied)
	var te *types.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, types.TaskInProgress, te.To)
	assert.Equal(t, types.TaskBlocked, f.status(t, second.ID))

	n, err := f.m.Recheck(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.m.UpdateStatus(ctx, second.ID, types.TaskAssigned)
	assert.ErrorIs(t, err, types.ErrDependencyNotSatisfied)
	assert.Equal(t, types.TaskBlocked, f.status(t, second.ID))

	_, err = f.m.UpdateStatus(ctx, first.ID, types.TaskInProgress)
	require.NoError(t, err)
	f.advance(30 * time.Minute)
	_, err = f.m.UpdateStatus(ctx, first.ID, types.TaskCompleted)
	require.NoError(t, err)

	n, err = f.m.Recheck(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.TaskAssigned, f.status(t, second.ID))

	_, err = f.m.UpdateStatus(ctx, second.ID, types.TaskInProgress)
	require.NoError(t, err)
	_, err = f.m.UpdateStatus(ctx, second.ID, types.TaskCompleted)
	require.NoError(t, err)

	got, err := f.m.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, got.Status)

	p, _ := f.bal.Get("alice")
	assert.Equal(t, 0, p.CurrentTaskCount)
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "s", "", "alice")
	require.NoError(t, err)
	pending, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Description: "unassigned"})
	require.NoError(t, err)

	_, err = f.m.UpdateStatus(ctx, pending.ID, types.TaskInProgress)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	_, err = f.m.UpdateStatus(ctx, pending.ID, types.TaskAssigned)
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "assigned requires a worker")
	_, err = f.m.UpdateStatus(ctx, "ghost", types.TaskAssigned)
	assert.ErrorIs(t, err, types.ErrNotFound)

	done, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Assignee: "bob", Description: "one shot"})
	require.NoError(t, err)
	_, err = f.m.UpdateStatus(ctx, done.ID, types.TaskCompleted)
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "must pass through in_progress")
	_, err = f.m.UpdateStatus(ctx, done.ID, types.TaskInProgress)
	require.NoError(t, err)
	_, err = f.m.UpdateStatus(ctx, done.ID, types.TaskCompleted)
	require.NoError(t, err)
	_, err = f.m.UpdateStatus(ctx, done.ID, types.TaskBlocked)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

// Random walks over the state machine never put a task in progress while a
// dependency is incomplete.
func TestNoTaskStartsBeforeItsDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "walk", "", "alice")
	require.NoError(t, err)

	var ids []string
	deps := make(map[string][]string)
	for i := 0; i < 5; i++ {
		spec := TaskSpec{Assignee: "alice", Description: "step"}
		if i > 0 {
			spec.DependsOn = []string{ids[i-1]}
		}
		task, err := f.m.AddTask(ctx, sess.SessionID, spec)
		require.NoError(t, err)
		ids = append(ids, task.ID)
		deps[task.ID] = spec.DependsOn
	}

	targets := []types.TaskStatus{types.TaskAssigned, types.TaskInProgress, types.TaskBlocked, types.TaskCompleted}
	rng := rand.New(rand.NewSource(7))
	for step := 0; step < 200; step++ {
		id := ids[rng.Intn(len(ids))]
		_, _ = f.m.UpdateStatus(ctx, id, targets[rng.Intn(len(targets))])
		if step%10 == 0 {
			_, _ = f.m.Recheck(ctx, sess.SessionID)
		}

		for _, tid := range ids {
			st := f.status(t, tid)
			if st != types.TaskInProgress && st != types.TaskCompleted {
				continue
			}
			for _, dep := range deps[tid] {
				require.Equal(t, types.TaskCompleted, f.status(t, dep), "task %s is %s before dependency %s completed", tid, st, dep)
			}
		}
	}
}

func TestMutationsSurviveRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "durable", "", "alice")
	require.NoError(t, err)
	task, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Assignee: "bob", Description: "persist me"})
	require.NoError(t, err)
	require.NoError(t, f.db.Close())

	db, err := store.NewLocalStore(f.path, store.Options{MaxRetries: 1})
	require.NoError(t, err)
	defer db.Close()
	m := NewManager(db, nil, Options{})

	got, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, got.Status)
	assert.Equal(t, "bob", got.AssignedWorker)
}

func TestConcurrentAddTaskSameSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "busy", "", "alice")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Description: "parallel"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tasks, err := f.m.Tasks(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Len(t, tasks, 10)
}

func TestReleaseSessionFreesCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.m.CreateSession(ctx, "release", "give up", "alice")
	require.NoError(t, err)
	running, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Assignee: "alice", Description: "build api"})
	require.NoError(t, err)
	waiting, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Assignee: "alice", Description: "write tests", DependsOn: []string{running.ID}})
	require.NoError(t, err)
	idle, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Description: "draw mockups"})
	require.NoError(t, err)
	_, err = f.m.UpdateStatus(ctx, running.ID, types.TaskInProgress)
	require.NoError(t, err)

	p, _ := f.bal.Get("alice")
	require.Equal(t, 2, p.CurrentTaskCount)

	released, err := f.m.ReleaseSession(ctx, sess.SessionID, "execution cancelled")
	require.NoError(t, err)
	require.Len(t, released, 2)
	assert.Equal(t, types.TaskInProgress, released[0].Status)
	assert.Equal(t, "alice", released[0].AssignedWorker)
	assert.Equal(t, types.TaskAssigned, released[1].Status)

	p, _ = f.bal.Get("alice")
	assert.Zero(t, p.CurrentTaskCount)
	for _, id := range []string{running.ID, waiting.ID} {
		task, err := f.m.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.TaskBlocked, task.Status)
		assert.Empty(t, task.AssignedWorker)
	}
	assert.Equal(t, types.TaskPending, f.status(t, idle.ID))

	// Nothing left to release; a restart sees no open load either.
	again, err := f.m.ReleaseSession(ctx, sess.SessionID, "again")
	require.NoError(t, err)
	assert.Empty(t, again)
	fresh := balancer.New(f.db, balancer.Options{})
	require.NoError(t, fresh.Bootstrap(ctx))
	p, _ = fresh.Get("alice")
	assert.Zero(t, p.CurrentTaskCount)

	// The next run picks the released work back up.
	n, err := f.m.Recheck(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.TaskPending, f.status(t, running.ID))
	assert.Equal(t, types.TaskBlocked, f.status(t, waiting.ID))
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "s", "", "alice")
	require.NoError(t, err)

	require.NoError(t, f.m.PauseSession(ctx, sess.SessionID))
	active, err := f.m.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, f.m.ResumeSession(ctx, sess.SessionID))
	require.NoError(t, f.m.ResumeSession(ctx, sess.SessionID))
	active, err = f.m.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestArchiveCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "s", "", "alice")
	require.NoError(t, err)
	old, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Assignee: "alice", Description: "old"})
	require.NoError(t, err)
	next, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Assignee: "alice", Description: "next", DependsOn: []string{old.ID}})
	require.NoError(t, err)

	_, err = f.m.UpdateStatus(ctx, old.ID, types.TaskInProgress)
	require.NoError(t, err)
	_, err = f.m.UpdateStatus(ctx, old.ID, types.TaskCompleted)
	require.NoError(t, err)

	f.advance(8 * 24 * time.Hour)
	n, err := f.m.ArchiveCompleted(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks, err := f.m.Tasks(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// Archived dependencies still count as completed.
	_, err = f.m.UpdateStatus(ctx, next.ID, types.TaskInProgress)
	require.NoError(t, err)
}

func TestCreateWorkflowChainsSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.m.CreateWorkflow(ctx, "release", "design the landing page; build the api endpoint then deploy the release", "alice")
	require.NoError(t, err)
	require.Len(t, sess.Tasks, 3)
	assert.Empty(t, sess.Tasks[0].DependsOn)
	assert.Equal(t, []string{sess.Tasks[0].ID}, sess.Tasks[1].DependsOn)
	assert.Equal(t, []string{sess.Tasks[1].ID}, sess.Tasks[2].DependsOn)

	_, err = f.m.CreateWorkflow(ctx, "empty", "   ", "alice")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestDecompose(t *testing.T) {
	got := Decompose("1. Design the signup form\n2. Build the signup API endpoint (2h)\n3. Write regression tests, urgent\n", 15)
	want := []TaskSpec{
		{Description: "Design the signup form", Priority: types.PriorityMedium, RequiredSpecialties: []string{"design", "frontend"}, EstimatedMinutes: 15},
		{Description: "Build the signup API endpoint (2h)", Priority: types.PriorityMedium, RequiredSpecialties: []string{"backend"}, EstimatedMinutes: 120},
		{Description: "Write regression tests, urgent", Priority: types.PriorityCritical, RequiredSpecialties: []string{"testing"}, EstimatedMinutes: 15},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decompose mismatch (-want +got):\n%s", diff)
	}

	inline := Decompose("update the readme; deploy to staging then run the 45 min smoke test", 10)
	require.Len(t, inline, 3)
	assert.Equal(t, "update the readme", inline[0].Description)
	assert.Equal(t, []string{"docs"}, inline[0].RequiredSpecialties)
	assert.Equal(t, []string{"devops"}, inline[1].RequiredSpecialties)
	assert.Equal(t, 45, inline[2].EstimatedMinutes)

	assert.Len(t, Decompose("just one thing", 15), 1)
	assert.Empty(t, Decompose("", 15))
}
