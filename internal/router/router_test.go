package router

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("github.com/fsnotify/fsnotify.(*inotify).readEvents"))
}

func newRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New(DefaultRules(), DefaultCostModel())
	require.NoError(t, err)
	return r
}

func TestRouteToolPhrasingStaysLocal(t *testing.T) {
	r := newRouter(t)
	d := r.Route(Request{WorkerID: "w1", Input: "run lint on handlers.go"})

	assert.True(t, d.UseLocal)
	assert.InDelta(t, 1.0, d.LocalScore, 1e-9)
	assert.Zero(t, d.CloudScore)
	assert.InDelta(t, 1.0, d.Confidence, 1e-9)
	assert.Equal(t, 2300, d.EstimatedSavings)
	assert.True(t, strings.HasPrefix(d.Reason, "local: tool_phrasing,short_input"), d.Reason)
}

func TestRouteCreativeEscalates(t *testing.T) {
	r := newRouter(t)
	d := r.Route(Request{WorkerID: "w1", Input: "Write a comprehensive production-ready strategy for our enterprise launch"})

	assert.False(t, d.UseLocal)
	// Only the strongest member of the creative group counts.
	assert.InDelta(t, 0.95, d.CloudScore, 1e-9)
	assert.InDelta(t, 0.2, d.LocalScore, 1e-9)
	assert.InDelta(t, 0.75, d.Confidence, 1e-9)
	assert.Zero(t, d.EstimatedSavings)
	assert.Contains(t, d.Indicators, "production_grade")
	assert.NotContains(t, d.Indicators, "creative_strategic")
}

func TestRouteFidelityMarkerCapsLocal(t *testing.T) {
	r := newRouter(t)
	d := r.Route(Request{WorkerID: "w1", Input: "run the pixel-perfect build"})

	assert.True(t, d.UseLocal)
	assert.InDelta(t, 0.2, d.LocalScore, 1e-9)
	assert.True(t, strings.HasSuffix(d.Reason, "[fidelity capped]"), d.Reason)
}

func TestRouteTieEscalates(t *testing.T) {
	r, err := New(RuleSet{Indicators: []Indicator{
		{Name: "alpha", Side: SideLocal, Weight: 0.5, Keywords: []string{"alpha"}},
		{Name: "beta", Side: SideCloud, Weight: 0.5, Keywords: []string{"beta"}},
	}}, DefaultCostModel())
	require.NoError(t, err)

	d := r.Route(Request{WorkerID: "w1", Input: "alpha beta"})
	assert.False(t, d.UseLocal)
	assert.Zero(t, d.Confidence)
	assert.True(t, strings.HasPrefix(d.Reason, "escalate: tie"), d.Reason)
}

func TestRouteScoresStayBounded(t *testing.T) {
	r := newRouter(t)
	inputs := []string{
		"",
		"?",
		strings.Repeat("explain why ", 80),
		strings.Repeat("run build lint format ", 30),
		"Design a complete enterprise-grade roadmap, compare trade-offs and explain why?",
	}
	for _, in := range inputs {
		d := r.Route(Request{WorkerID: "w1", Input: in})
		assert.GreaterOrEqual(t, d.Confidence, 0.0, in)
		assert.LessOrEqual(t, d.Confidence, 1.0, in)
		assert.GreaterOrEqual(t, d.LocalScore, 0.0, in)
		assert.LessOrEqual(t, d.CloudScore, 1.0, in)
		assert.NotEmpty(t, d.Reason, in)
	}
}

func TestRouteWithoutRulesFallsBack(t *testing.T) {
	var r Router
	d := r.Route(Request{WorkerID: "w1", Input: "run lint"})
	assert.False(t, d.UseLocal)
	assert.Equal(t, FallbackReason, d.Reason)
}

func TestSetRulesRejectsInvalidTable(t *testing.T) {
	r := newRouter(t)
	err := r.SetRules(RuleSet{Indicators: []Indicator{{Name: "x", Side: "sideways", Keywords: []string{"x"}}}})
	require.Error(t, err)

	// Previous table still active.
	assert.True(t, r.Route(Request{Input: "run lint"}).UseLocal)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		rs   RuleSet
		ok   bool
	}{
		{"defaults", DefaultRules(), true},
		{"missing name", RuleSet{Indicators: []Indicator{{Side: SideLocal, Keywords: []string{"a"}}}}, false},
		{"duplicate", RuleSet{Indicators: []Indicator{
			{Name: "a", Side: SideLocal, Keywords: []string{"a"}},
			{Name: "a", Side: SideCloud, Keywords: []string{"b"}},
		}}, false},
		{"no condition", RuleSet{Indicators: []Indicator{{Name: "a", Side: SideLocal, Weight: 0.1}}}, false},
		{"weight range", RuleSet{Indicators: []Indicator{{Name: "a", Side: SideLocal, Weight: 2, Keywords: []string{"a"}}}}, false},
		{"cap range", RuleSet{FidelityCap: 1.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rs.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRulesFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, WriteRulesFile(path, DefaultRules()))

	got, err := LoadRulesFile(path)
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultRules(), got); diff != "" {
		t.Errorf("rules mismatch (-want +got):\n%s", diff)
	}

	_, err = LoadRulesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRulesWatcherHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, WriteRulesFile(path, DefaultRules()))

	r := newRouter(t)
	require.True(t, r.Route(Request{Input: "run lint"}).UseLocal)

	rw, err := NewRulesWatcher(path, r)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rw.Start(ctx))
	defer rw.Stop()

	cloudOnly := RuleSet{FidelityCap: 0.1, Indicators: []Indicator{
		{Name: "everything", Side: SideCloud, Weight: 1, MaxWords: 1000},
	}}
	require.NoError(t, WriteRulesFile(path, cloudOnly))

	require.Eventually(t, func() bool { return rw.Reloads() >= 1 }, 5*time.Second, 20*time.Millisecond)
	assert.False(t, r.Route(Request{Input: "run lint"}).UseLocal)
}
