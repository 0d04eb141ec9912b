package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskweave/internal/types"
)

type staticLoad []types.WorkerProfile

func (s staticLoad) Workloads() []types.WorkerProfile { return s }

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetricsExposition(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, "")
	require.NoError(t, err)
	defer m.Shutdown(ctx)

	require.NoError(t, m.WatchWorkloads(staticLoad{
		{WorkerID: "alice", CurrentTaskCount: 2, EfficiencyScore: 0.9},
	}))
	m.ObserveResolution(ctx, "local", 2300, 0, 3*time.Millisecond)
	m.ObserveResolution(ctx, "escalated", 0, 812, time.Second)
	m.ObserveAssignment(ctx, "alice", true)
	m.ObserveAssignment(ctx, "", false)

	body := scrape(t, m)
	for _, want := range []string{
		"taskweave_resolutions_total",
		`source="local"`,
		`source="escalated"`,
		"taskweave_tokens_saved_total",
		"taskweave_tokens_used_total",
		"taskweave_resolution_duration_seconds",
		`outcome="no_capacity"`,
		"taskweave_worker_tasks",
		`worker="alice"`,
		"taskweave_worker_efficiency",
	} {
		assert.Contains(t, body, want)
	}
	assert.NotNil(t, m.MeterProvider())
}
