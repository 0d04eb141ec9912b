// Package admin serves the read-only HTTP query surface: workflows, worker
// load, performance, learnings, executions, savings, /metrics and /health.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"

	"taskweave/internal/learning"
	"taskweave/internal/logging"
	"taskweave/internal/types"
	"taskweave/internal/usage"
)

// Workflows is the workflow manager's query side.
type Workflows interface {
	ListSessions(ctx context.Context, status types.SessionStatus) ([]types.WorkflowSession, error)
	GetSession(ctx context.Context, sessionID string) (*types.WorkflowSession, error)
	GetTasksForWorker(ctx context.Context, workerID string) ([]types.Task, error)
	PendingHandoffs(ctx context.Context, workerID string) ([]types.HandoffNotification, error)
}

// Workloads reports worker load.
type Workloads interface {
	Workloads() []types.WorkerProfile
}

// Learning is the ledger's query side.
type Learning interface {
	Performance(ctx context.Context, workerID string) ([]types.PerformanceMetric, error)
	GetLearning(ctx context.Context, workerID, category string) (*learning.Knowledge, error)
	Recommend(ctx context.Context, workerID string) (*learning.Recommendation, error)
}

// Executions is the execution loop's query side.
type Executions interface {
	Status(ctx context.Context, id string) (*types.Execution, error)
	List(ctx context.Context, state types.ExecutionState) ([]types.Execution, error)
}

// Savings reports resolution accounting.
type Savings interface {
	Stats() usage.AggregatedStats
}

// Deps wires the handler. Nil members disable their routes.
type Deps struct {
	Workflows  Workflows
	Workloads  Workloads
	Learning   Learning
	Executions Executions
	Savings    Savings

	Metrics       http.Handler
	MeterProvider metric.MeterProvider
}

// NewHandler builds the admin mux wrapped with request logging and, when a
// meter provider is supplied, otelhttp instrumentation.
func NewHandler(d Deps) http.Handler {
	mux := http.NewServeMux()
	started := time.Now()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "uptime_seconds": int64(time.Since(started).Seconds())})
	})
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	if d.Workflows != nil {
		mux.HandleFunc("GET /workflows", func(w http.ResponseWriter, r *http.Request) {
			status := types.SessionStatus(r.URL.Query().Get("status"))
			switch status {
			case "", types.SessionActive, types.SessionPaused, types.SessionCompleted:
			default:
				writeJSONError(w, http.StatusBadRequest, "unknown status "+string(status))
				return
			}
			list, err := d.Workflows.ListSessions(r.Context(), status)
			respond(w, r, list, err)
		})
		mux.HandleFunc("GET /workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
			sess, err := d.Workflows.GetSession(r.Context(), r.PathValue("id"))
			respond(w, r, sess, err)
		})
		mux.HandleFunc("GET /workers/{id}/tasks", func(w http.ResponseWriter, r *http.Request) {
			tasks, err := d.Workflows.GetTasksForWorker(r.Context(), r.PathValue("id"))
			respond(w, r, tasks, err)
		})
		mux.HandleFunc("GET /workers/{id}/handoffs", func(w http.ResponseWriter, r *http.Request) {
			list, err := d.Workflows.PendingHandoffs(r.Context(), r.PathValue("id"))
			respond(w, r, list, err)
		})
	}

	if d.Workloads != nil {
		mux.HandleFunc("GET /workers", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, d.Workloads.Workloads())
		})
	}

	if d.Learning != nil {
		mux.HandleFunc("GET /performance", func(w http.ResponseWriter, r *http.Request) {
			list, err := d.Learning.Performance(r.Context(), r.URL.Query().Get("worker"))
			respond(w, r, list, err)
		})
		mux.HandleFunc("GET /learning/{worker}", func(w http.ResponseWriter, r *http.Request) {
			k, err := d.Learning.GetLearning(r.Context(), r.PathValue("worker"), r.URL.Query().Get("category"))
			respond(w, r, k, err)
		})
		mux.HandleFunc("GET /recommendations/{worker}", func(w http.ResponseWriter, r *http.Request) {
			rec, err := d.Learning.Recommend(r.Context(), r.PathValue("worker"))
			respond(w, r, rec, err)
		})
	}

	if d.Executions != nil {
		mux.HandleFunc("GET /executions", func(w http.ResponseWriter, r *http.Request) {
			list, err := d.Executions.List(r.Context(), types.ExecutionState(r.URL.Query().Get("state")))
			respond(w, r, list, err)
		})
		mux.HandleFunc("GET /executions/{id}", func(w http.ResponseWriter, r *http.Request) {
			e, err := d.Executions.Status(r.Context(), r.PathValue("id"))
			if err != nil {
				respond(w, r, nil, err)
				return
			}
			writeJSON(w, struct {
				*types.Execution
				Progress float64 `json:"progress"`
			}{e, e.Progress()})
		})
	}

	if d.Savings != nil {
		mux.HandleFunc("GET /savings", func(w http.ResponseWriter, r *http.Request) {
			s := d.Savings.Stats()
			writeJSON(w, struct {
				usage.AggregatedStats
				LocalRatio float64 `json:"local_ratio"`
			}{s, s.LocalRatio()})
		})
	}

	var handler http.Handler = mux
	handler = requestLogMiddleware(handler)
	if d.MeterProvider != nil {
		handler = otelhttp.NewHandler(handler, "taskweave-admin", otelhttp.WithMeterProvider(d.MeterProvider))
	}
	return handler
}

func respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err == nil {
		writeJSON(w, v)
		return
	}
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrInvalidArgument):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		logging.Get(logging.CategoryAdmin).Error("%s %s: %v", r.Method, r.URL.Path, err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends {"error": message} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		logging.AdminDebug("%s %s status=%d duration_ms=%d", req.Method, req.URL.Path, rec.status, time.Since(start).Milliseconds())
	})
}
