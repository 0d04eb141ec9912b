package router

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskweave/internal/patterns"
	"taskweave/internal/reasoning"
	"taskweave/internal/store"
	"taskweave/internal/types"
	"taskweave/internal/usage"
)

type recordedOutcome struct {
	worker, category, kind string
	confidence             float64
}

type fakeLedger struct {
	mu   sync.Mutex
	seen []recordedOutcome
}

func (f *fakeLedger) RecordOutcome(_ context.Context, workerID, category, learningType string, payload map[string]any, confidence float64) (types.LearningRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, recordedOutcome{workerID, category, learningType, confidence})
	return types.LearningRecord{WorkerID: workerID, Category: category, LearningType: learningType, Payload: payload, Confidence: confidence}, nil
}

func (f *fakeLedger) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.seen))
	for i, o := range f.seen {
		out[i] = o.kind
	}
	return out
}

type resolverFixture struct {
	resolver *Resolver
	patterns *patterns.Store
	tracker  *usage.Tracker
	ledger   *fakeLedger
	calls    *atomic.Int32
}

func newResolverFixture(t *testing.T, client reasoning.ClientFunc, timeout time.Duration) resolverFixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.NewLocalStore(filepath.Join(dir, "resolver.db"), store.Options{MaxRetries: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tracker, err := usage.NewTracker(dir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })

	calls := &atomic.Int32{}
	counted := reasoning.ClientFunc(func(ctx context.Context, prompt string, maxTokens int) (string, int, error) {
		calls.Add(1)
		return client(ctx, prompt, maxTokens)
	})

	ps := patterns.NewStore(db, patterns.DefaultOptions())
	ledger := &fakeLedger{}
	rv := NewResolver(newRouter(t), ps, counted, ledger, tracker, nil, ResolverOptions{
		InstantConfidence: 0.8,
		InvokeTimeout:     timeout,
		MaxTokens:         256,
	})
	return resolverFixture{resolver: rv, patterns: ps, tracker: tracker, ledger: ledger, calls: calls}
}

func answer(text string, tokens int) reasoning.ClientFunc {
	return func(ctx context.Context, prompt string, maxTokens int) (string, int, error) {
		return text, tokens, nil
	}
}

func TestResolveEscalatesThenReusesPattern(t *testing.T) {
	fx := newResolverFixture(t, answer("Onboarding plan drafted", 420), time.Second)
	ctx := context.Background()
	req := Request{WorkerID: "w1", Category: "planning", Input: "Write a comprehensive strategy for onboarding"}

	first, err := fx.resolver.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceEscalated, first.Source)
	assert.Equal(t, "Onboarding plan drafted", first.Response)
	assert.Equal(t, 420, first.TokensUsed)
	require.NotNil(t, first.Pattern)

	second, err := fx.resolver.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourcePattern, second.Source)
	assert.Equal(t, "Onboarding plan drafted", second.Response)
	assert.InDelta(t, 1.0, second.MatchScore, 1e-9)
	assert.Equal(t, DefaultCostModel().Total(), second.TokensSaved)
	require.NotNil(t, second.Pattern)
	assert.Equal(t, 1, second.Pattern.UsageCount)
	assert.Greater(t, second.Pattern.Confidence, first.Pattern.Confidence)

	assert.EqualValues(t, 1, fx.calls.Load())
	stats := fx.tracker.Stats()
	assert.EqualValues(t, 1, stats.ByOutcome[string(usage.OutcomeEscalated)].Requests)
	assert.EqualValues(t, 1, stats.ByOutcome[string(usage.OutcomePatternHit)].Requests)
	assert.Equal(t, []string{"escalation", "pattern_reuse"}, fx.ledger.kinds())
}

func TestResolveLocalWithoutPatterns(t *testing.T) {
	fx := newResolverFixture(t, answer("unused", 1), time.Second)

	res, err := fx.resolver.Resolve(context.Background(), Request{WorkerID: "w1", Input: "run lint on handlers.go"})
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, res.Source)
	assert.Equal(t, "Queued local run of handlers.go for w1", res.Response)
	assert.Equal(t, 2300, res.TokensSaved)
	require.NotNil(t, res.Pattern)
	assert.Equal(t, "general", res.Pattern.Category)
	assert.Zero(t, fx.calls.Load())

	// The saved template re-fills with the new file name.
	res, err = fx.resolver.Resolve(context.Background(), Request{WorkerID: "w1", Input: "run lint on models.go"})
	require.NoError(t, err)
	assert.Equal(t, SourcePattern, res.Source)
	assert.Equal(t, "Queued local run of models.go for w1", res.Response)
}

func TestResolveEscalationFailureWithoutPatterns(t *testing.T) {
	boom := errors.New("service unavailable")
	fx := newResolverFixture(t, func(context.Context, string, int) (string, int, error) {
		return "", 0, boom
	}, time.Second)

	res, err := fx.resolver.Resolve(context.Background(), Request{WorkerID: "w1", Input: "Explain why the strategy failed"})
	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrExternalInvocation)
	assert.EqualValues(t, 1, fx.tracker.Stats().ByOutcome[string(usage.OutcomeFailed)].Requests)
}

func TestResolveEscalationTimeout(t *testing.T) {
	fx := newResolverFixture(t, func(ctx context.Context, _ string, _ int) (string, int, error) {
		<-ctx.Done()
		return "", 0, ctx.Err()
	}, 20*time.Millisecond)

	start := time.Now()
	_, err := fx.resolver.Resolve(context.Background(), Request{WorkerID: "w1", Input: "Explain why the strategy failed"})
	assert.ErrorIs(t, err, types.ErrExternalInvocation)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestResolveDegradesToLowConfidencePattern(t *testing.T) {
	fx := newResolverFixture(t, func(context.Context, string, int) (string, int, error) {
		return "", 0, errors.New("quota exceeded")
	}, time.Second)
	ctx := context.Background()

	_, err := fx.patterns.Save(ctx, "w1", "", "draft the quarterly plan", "plan v1", 0)
	require.NoError(t, err)

	res, err := fx.resolver.Resolve(ctx, Request{WorkerID: "w1", Input: "Write a comprehensive strategy for the quarterly plan"})
	require.NoError(t, err)
	assert.Equal(t, SourceDegraded, res.Source)
	assert.Equal(t, "plan v1", res.Response)
	assert.Less(t, res.MatchScore, 0.6)
	assert.Contains(t, res.Err, "quota exceeded")
	assert.EqualValues(t, 1, fx.tracker.Stats().ByOutcome[string(usage.OutcomeDegraded)].Requests)
}

func TestResolveDegradesToZeroScorePattern(t *testing.T) {
	fx := newResolverFixture(t, func(context.Context, string, int) (string, int, error) {
		return "", 0, errors.New("quota exceeded")
	}, time.Second)
	ctx := context.Background()

	_, err := fx.patterns.Save(ctx, "w1", "", "water plants", "watered", 0)
	require.NoError(t, err)

	res, err := fx.resolver.Resolve(ctx, Request{WorkerID: "w1", Input: "Explain why the strategy failed"})
	require.NoError(t, err)
	assert.Equal(t, SourceDegraded, res.Source)
	assert.Equal(t, "watered", res.Response)
	assert.Zero(t, res.MatchScore)
}

func TestResolveWithoutClientFails(t *testing.T) {
	fx := newResolverFixture(t, answer("", 0), time.Second)
	fx.resolver.client = nil

	_, err := fx.resolver.Resolve(context.Background(), Request{WorkerID: "w1", Input: "Explain why the strategy failed"})
	assert.ErrorIs(t, err, types.ErrExternalInvocation)
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(Request{WorkerID: "w9", Category: "ops", Input: "why is it slow", Context: map[string]string{"service": "api"}})
	assert.Contains(t, p, "Worker: w9")
	assert.Contains(t, p, "Category: ops")
	assert.Contains(t, p, "service: api")
	assert.Contains(t, p, "Request:\nwhy is it slow")
}

func TestBuildPromptOrdersContext(t *testing.T) {
	req := Request{WorkerID: "w9", Category: "ops", Input: "why is it slow", Context: map[string]string{
		"zone": "eu-1", "service": "api", "build": "42", "owner": "sre",
	}}
	want := "Worker: w9\nCategory: ops\nbuild: 42\nowner: sre\nservice: api\nzone: eu-1\n\nRequest:\nwhy is it slow"
	for i := 0; i < 20; i++ {
		assert.Equal(t, want, BuildPrompt(req))
	}
}
