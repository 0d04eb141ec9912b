package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskweave/internal/types"
)

func TestHandoffAcceptedExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "handoff", "", "alice")
	require.NoError(t, err)
	task, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Assignee: "alice", Description: "finish styling", Priority: types.PriorityHigh})
	require.NoError(t, err)

	h, err := f.m.CreateHandoff(ctx, HandoffSpec{FromWorker: "alice", ToWorker: "bob", TaskID: task.ID, Message: "over to you", Deliverables: []string{"styles.css"}})
	require.NoError(t, err)
	assert.Equal(t, types.HandoffPending, h.Status)
	assert.Equal(t, types.PriorityHigh, h.Priority)

	pending, err := f.m.PendingHandoffs(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []string{"styles.css"}, pending[0].Deliverables)

	const n = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		accepted   int
		notPending int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.AcceptHandoff(ctx, h.ID, "bob")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, types.ErrHandoffNotPending):
				notPending++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, notPending)

	got, err := f.m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.AssignedWorker)

	alice, _ := f.bal.Get("alice")
	bob, _ := f.bal.Get("bob")
	assert.Equal(t, 0, alice.CurrentTaskCount)
	assert.Equal(t, 1, bob.CurrentTaskCount)

	pending, err = f.m.PendingHandoffs(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, f.m.CompleteHandoff(ctx, h.ID))
	assert.ErrorIs(t, f.m.CompleteHandoff(ctx, h.ID), types.ErrInvalidTransition)
}

func TestHandoffValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "s", "", "alice")
	require.NoError(t, err)
	task, err := f.m.AddTask(ctx, sess.SessionID, TaskSpec{Assignee: "alice", Description: "x"})
	require.NoError(t, err)

	_, err = f.m.CreateHandoff(ctx, HandoffSpec{FromWorker: "bob", ToWorker: "alice", TaskID: task.ID})
	assert.ErrorIs(t, err, types.ErrInvalidArgument, "only the owner can hand off")
	_, err = f.m.CreateHandoff(ctx, HandoffSpec{FromWorker: "alice", ToWorker: "alice", TaskID: task.ID})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = f.m.CreateHandoff(ctx, HandoffSpec{FromWorker: "alice", ToWorker: "bob", TaskID: "ghost"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	h, err := f.m.CreateHandoff(ctx, HandoffSpec{FromWorker: "alice", ToWorker: "bob", TaskID: task.ID})
	require.NoError(t, err)
	_, err = f.m.AcceptHandoff(ctx, h.ID, "carol")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	require.NoError(t, f.m.RejectHandoff(ctx, h.ID, "bob"))
	_, err = f.m.AcceptHandoff(ctx, h.ID, "bob")
	assert.ErrorIs(t, err, types.ErrHandoffNotPending)

	got, err := f.m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.AssignedWorker)
}
