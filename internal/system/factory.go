// Package system wires every component into a running Engine. The CLI, the
// admin server and the dashboard all boot through here so wiring stays
// consistent.
package system

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"taskweave/internal/admin"
	"taskweave/internal/balancer"
	"taskweave/internal/config"
	"taskweave/internal/execution"
	"taskweave/internal/learning"
	"taskweave/internal/logging"
	"taskweave/internal/metrics"
	"taskweave/internal/patterns"
	"taskweave/internal/reasoning"
	"taskweave/internal/router"
	"taskweave/internal/store"
	"taskweave/internal/usage"
	"taskweave/internal/workflow"
)

const usageAutoSave = 2 * time.Second

// Engine is a fully wired instance.
type Engine struct {
	Config    *config.Config
	Workspace string

	Store      *store.LocalStore
	Router     *router.Router
	Resolver   *router.Resolver
	Patterns   *patterns.Store
	Reasoning  reasoning.Client
	Usage      *usage.Tracker
	Balancer   *balancer.Balancer
	Workflows  *workflow.Manager
	Learning   *learning.Ledger
	Executions *execution.Loop
	Metrics    *metrics.Metrics

	rulesWatcher *router.RulesWatcher
	cancel       context.CancelFunc
}

// BootConfig controls BootEngine. Overrides exist for tests and embedding.
type BootConfig struct {
	Workspace string
	// ConfigPath defaults to <workspace>/.taskweave/config.yaml.
	ConfigPath     string
	ConfigOverride *config.Config
	ClientOverride reasoning.Client
	ClockOverride  execution.Clock
	// ManualExecution disables background ticking; callers drive Tick.
	ManualExecution bool
	// SkipLogging leaves the logging package untouched.
	SkipLogging bool
}

// BootEngine loads configuration and builds the whole stack.
func BootEngine(ctx context.Context, bc BootConfig) (*Engine, error) {
	if bc.Workspace == "" {
		bc.Workspace, _ = os.Getwd()
	}

	cfg := bc.ConfigOverride
	if cfg == nil {
		path := bc.ConfigPath
		if path == "" {
			path = filepath.Join(bc.Workspace, ".taskweave", "config.yaml")
		}
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	cfg.DataDir = resolve(bc.Workspace, cfg.DataDir)
	cfg.Store.DatabasePath = resolve(bc.Workspace, cfg.Store.DatabasePath)
	if cfg.Router.RulesFile != "" {
		cfg.Router.RulesFile = resolve(bc.Workspace, cfg.Router.RulesFile)
	}
	if bc.ClientOverride != nil && cfg.Reasoning.Provider == "gemini" && cfg.Reasoning.APIKey == "" {
		cfg.Reasoning.Provider = "offline"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if !bc.SkipLogging {
		if err := logging.Initialize(cfg.LogsDir(), cfg.Logging.Options()); err != nil {
			return nil, fmt.Errorf("init logging: %w", err)
		}
		if err := logging.InitAudit(); err != nil {
			logging.BootWarn("Audit trail unavailable: %v", err)
		}
	}
	timer := logging.StartTimer(logging.CategoryBoot, "BootEngine")
	defer timer.Stop()

	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{Config: cfg, Workspace: bc.Workspace, cancel: cancel}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	// 1. Metrics first: balancer and resolver report into it.
	m, err := metrics.New(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	e.Metrics = m

	// 2. Durable store
	db, err := store.NewLocalStore(cfg.Store.DatabasePath, store.Options{
		Driver:       cfg.Store.Driver,
		MaxRetries:   cfg.Store.MaxRetries,
		RetryBackoff: cfg.GetRetryBackoff(),
		BusyTimeout:  cfg.Store.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}
	e.Store = db

	// 3. Usage accounting
	if e.Usage, err = usage.NewTracker(cfg.DataDir, usageAutoSave); err != nil {
		return nil, err
	}

	// 4. Balancer, restored from the store
	e.Balancer = balancer.New(db, balancer.Options{
		DefaultCapacity:   cfg.Balancer.DefaultCapacity,
		DefaultEfficiency: cfg.Balancer.DefaultEfficiency,
		QueueDelayMinutes: cfg.Balancer.QueueDelayMinutes,
		Observer:          m,
	})
	if err := e.Balancer.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap balancer: %w", err)
	}
	if err := m.WatchWorkloads(e.Balancer); err != nil {
		logging.BootWarn("Worker gauges unavailable: %v", err)
	}

	// 5. Workflow manager and learning ledger
	e.Workflows = workflow.NewManager(db, e.Balancer, workflow.Options{
		DefaultEstimateMinutes: cfg.Workflow.DefaultEstimateMinutes,
		Retention:              cfg.GetRetentionWindow(),
	})
	e.Learning = learning.NewLedger(db, e.Balancer, learning.Options{
		ShareThreshold:    cfg.Learning.ShareThreshold,
		ShareDiscount:     cfg.Learning.ShareDiscount,
		QueueSize:         cfg.Learning.FanoutQueueSize,
		Retries:           cfg.Learning.FanoutRetries,
		RetryBackoff:      cfg.GetFanoutBackoff(),
		FanoutParallelism: cfg.Learning.FanoutParallelism,
		SkillThreshold:    cfg.Learning.SkillThreshold,
		RecommendLimit:    cfg.Learning.RecommendLimit,
	})

	// 6. Router, pattern store, reasoning client, resolver
	if err := e.bootRouter(ctx, bc); err != nil {
		return nil, err
	}

	// 7. Execution loop
	e.Executions = execution.NewLoop(e.Workflows, e.Learning, db, execution.Options{
		Timeout:         cfg.GetExecutionTimeout(),
		TickInterval:    cfg.GetTickInterval(),
		MinTaskDuration: cfg.GetMinTaskDuration(),
		SpeedupFactor:   cfg.Execution.SpeedupFactor,
		Manual:          bc.ManualExecution,
		Clock:           bc.ClockOverride,
	})

	logging.Boot("Engine ready: workspace=%s db=%s workers=%d provider=%s",
		e.Workspace, cfg.Store.DatabasePath, len(e.Balancer.WorkerIDs()), cfg.Reasoning.Provider)
	ok = true
	return e, nil
}

func (e *Engine) bootRouter(ctx context.Context, bc BootConfig) error {
	cfg := e.Config
	rules := router.DefaultRules()
	if cfg.Router.RulesFile != "" {
		rs, err := router.LoadRulesFile(cfg.Router.RulesFile)
		switch {
		case err == nil:
			rules = rs
		case errors.Is(err, os.ErrNotExist):
			logging.BootWarn("Rules file %s missing, using built-in table", cfg.Router.RulesFile)
		default:
			return fmt.Errorf("load rules: %w", err)
		}
	}
	r, err := router.New(rules, router.CostModel{
		BasePromptTokens: cfg.Router.BasePromptTokens,
		HistoryTokens:    cfg.Router.HistoryTokens,
		ContextTokens:    cfg.Router.ContextTokens,
		ResponseTokens:   cfg.Router.ResponseTokens,
	})
	if err != nil {
		return err
	}
	e.Router = r

	if cfg.Router.RulesFile != "" && cfg.Router.WatchRules {
		w, err := router.NewRulesWatcher(cfg.Router.RulesFile, r)
		if err == nil {
			err = w.Start(ctx)
		}
		if err != nil {
			logging.BootWarn("Rules hot reload disabled: %v", err)
		} else {
			e.rulesWatcher = w
		}
	}

	e.Patterns = patterns.NewStore(e.Store, patterns.Options{
		MinMatchScore:     cfg.Patterns.MinMatchScore,
		ReuseIncrement:    cfg.Patterns.ReuseIncrement,
		InitialConfidence: cfg.Patterns.InitialConfidence,
		Cache:             cfg.Patterns.CacheWorkers,
	})

	switch {
	case bc.ClientOverride != nil:
		e.Reasoning = bc.ClientOverride
	case cfg.Reasoning.Provider == "gemini":
		g, err := reasoning.NewGeminiClient(ctx, cfg.Reasoning.APIKey, cfg.Reasoning.Model)
		if err != nil {
			return err
		}
		e.Reasoning = g
	default:
		e.Reasoning = reasoning.Offline{}
	}

	e.Resolver = router.NewResolver(r, e.Patterns, e.Reasoning, e.Learning, e.Usage, e.Metrics, router.ResolverOptions{
		InstantConfidence: cfg.Router.InstantConfidence,
		InvokeTimeout:     cfg.GetInvokeTimeout(),
		MaxTokens:         cfg.Router.MaxTokens,
	})
	return nil
}

// AdminHandler builds the read-only HTTP surface over this engine.
func (e *Engine) AdminHandler() http.Handler {
	return admin.NewHandler(admin.Deps{
		Workflows:     e.Workflows,
		Workloads:     e.Balancer,
		Learning:      e.Learning,
		Executions:    e.Executions,
		Savings:       e.Usage,
		Metrics:       e.Metrics.Handler(),
		MeterProvider: e.Metrics.MeterProvider(),
	})
}

// RulesReloads reports hot reloads of the rules file, zero when not watching.
func (e *Engine) RulesReloads() int {
	if e.rulesWatcher == nil {
		return 0
	}
	return e.rulesWatcher.Reloads()
}

func resolve(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}
