package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskweave/internal/system"
	"taskweave/internal/types"
)

var (
	serveListen      string
	serveArchiveTick time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with the read-only admin API",
	Long: `Boots the engine, resumes executions left active by earlier runs and
serves the admin API (workflows, workers, performance, learnings,
executions, savings, /metrics, /health) until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from config)")
	serveCmd.Flags().DurationVar(&serveArchiveTick, "archive-every", time.Hour, "How often completed tasks are archived")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	resumeActive(ctx, e)

	addr := serveListen
	if addr == "" {
		addr = e.Config.Admin.Listen
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           e.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	archiveCtx, stopArchive := context.WithCancel(ctx)
	archived := make(chan struct{})
	go func() {
		defer close(archived)
		archiveLoop(archiveCtx, e, serveArchiveTick)
	}()
	defer func() {
		stopArchive()
		<-archived
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Admin API listening", zap.String("addr", addr))
		fmt.Printf("taskweave admin API on http://%s\n", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func resumeActive(ctx context.Context, e *system.Engine) {
	active, err := e.Executions.List(ctx, types.ExecutionActive)
	if err != nil {
		logger.Warn("Listing active executions failed", zap.Error(err))
		return
	}
	for _, exec := range active {
		if _, err := e.Executions.Resume(ctx, exec.ID); err != nil {
			logger.Warn("Resume failed", zap.String("execution", exec.ID), zap.Error(err))
			continue
		}
		logger.Info("Resumed execution", zap.String("execution", exec.ID), zap.Int("completed", exec.CompletedTasks))
	}
}

func archiveLoop(ctx context.Context, e *system.Engine, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.Workflows.ArchiveCompleted(ctx, e.Config.GetRetentionWindow())
			if err != nil {
				logger.Warn("Archive pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("Archived completed tasks", zap.Int("count", n))
			}
		}
	}
}
