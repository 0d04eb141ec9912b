package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"taskweave/internal/logging"
)

// LoadRulesFile reads a YAML rule table. A missing fidelity_cap keeps the default.
func LoadRulesFile(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules file: %w", err)
	}
	rs := RuleSet{FidelityCap: DefaultRules().FidelityCap}
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, fmt.Errorf("rules file %s: %w", path, err)
	}
	return rs, nil
}

// WriteRulesFile writes a rule table as YAML.
func WriteRulesFile(path string, rs RuleSet) error {
	data, err := yaml.Marshal(rs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// RulesWatcher reloads the router's rule table when the rules file changes.
type RulesWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	router      *Router
	path        string
	pendingAt   time.Time
	debounceDur time.Duration
	reloads     int
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewRulesWatcher creates a watcher for path feeding r.
func NewRulesWatcher(path string, r *Router) (*RulesWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RulesWatcher{
		watcher:     w,
		router:      r,
		path:        filepath.Clean(path),
		debounceDur: 200 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start watches the file's directory (editors often replace files rather
// than write in place). Non-blocking.
func (rw *RulesWatcher) Start(ctx context.Context) error {
	rw.mu.Lock()
	if rw.running {
		rw.mu.Unlock()
		return nil
	}
	rw.running = true
	rw.mu.Unlock()

	dir := filepath.Dir(rw.path)
	if err := rw.watcher.Add(dir); err != nil {
		rw.mu.Lock()
		rw.running = false
		rw.mu.Unlock()
		rw.watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logging.Routing("RulesWatcher: watching %s", rw.path)

	go rw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (rw *RulesWatcher) Stop() {
	rw.mu.Lock()
	if !rw.running {
		rw.mu.Unlock()
		return
	}
	rw.running = false
	rw.mu.Unlock()

	close(rw.stopCh)
	<-rw.doneCh
	if err := rw.watcher.Close(); err != nil {
		logging.Get(logging.CategoryRouting).Error("RulesWatcher: error closing watcher: %v", err)
	}
	logging.Routing("RulesWatcher: stopped")
}

// Reloads returns how many successful reloads happened.
func (rw *RulesWatcher) Reloads() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.reloads
}

func (rw *RulesWatcher) run(ctx context.Context) {
	defer close(rw.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rw.stopCh:
			return
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != rw.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			rw.mu.Lock()
			rw.pendingAt = time.Now()
			rw.mu.Unlock()
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryRouting).Error("RulesWatcher error: %v", err)
		case <-ticker.C:
			rw.processPending()
		}
	}
}

func (rw *RulesWatcher) processPending() {
	rw.mu.Lock()
	due := !rw.pendingAt.IsZero() && time.Since(rw.pendingAt) >= rw.debounceDur
	if due {
		rw.pendingAt = time.Time{}
	}
	rw.mu.Unlock()
	if !due {
		return
	}

	rs, err := LoadRulesFile(rw.path)
	if err != nil {
		logging.RoutingWarn("RulesWatcher: keeping previous rules: %v", err)
		return
	}
	if err := rw.router.SetRules(rs); err != nil {
		logging.RoutingWarn("RulesWatcher: keeping previous rules: %v", err)
		return
	}
	rw.mu.Lock()
	rw.reloads++
	rw.mu.Unlock()
	logging.Routing("RulesWatcher: reloaded %d indicator(s) from %s", len(rs.Indicators), rw.path)
}
