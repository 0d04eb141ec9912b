package system

import (
	"context"
	"errors"
	"time"

	"taskweave/internal/logging"
)

// Close stops background work and releases resources in reverse boot order.
// Safe to call on a partially booted engine.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	var errs []error

	if e.Executions != nil {
		if err := e.Executions.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.rulesWatcher != nil {
		e.rulesWatcher.Stop()
		e.rulesWatcher = nil
	}
	if e.Learning != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.Learning.Flush(ctx); err != nil {
			logging.BootWarn("Learning fan-out not drained: %v", err)
		}
		cancel()
		if err := e.Learning.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.Usage != nil {
		if err := e.Usage.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			errs = append(errs, err)
		}
		e.Store = nil
	}
	if e.Metrics != nil {
		if err := e.Metrics.Shutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}
		e.Metrics = nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	return errors.Join(errs...)
}
