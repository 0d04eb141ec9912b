package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"taskweave/cmd/weave/ui"
	"taskweave/internal/system"
	"taskweave/internal/types"
	"taskweave/internal/usage"
)

var dashboardRefresh time.Duration

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	Aliases: []string{"watch"},
	Short:   "Live view of workers, workflows, executions and savings",
	RunE:    runDashboard,
}

func init() {
	dashboardCmd.Flags().DurationVar(&dashboardRefresh, "refresh", 2*time.Second, "Refresh interval")
}

// engineSource adapts a booted engine to the dashboard's read-only view.
type engineSource struct {
	e *system.Engine
}

func (s engineSource) Workloads() []types.WorkerProfile { return s.e.Balancer.Workloads() }

func (s engineSource) Sessions(ctx context.Context) ([]types.WorkflowSession, error) {
	return s.e.Workflows.ListSessions(ctx, "")
}

func (s engineSource) Executions(ctx context.Context) ([]types.Execution, error) {
	return s.e.Executions.List(ctx, "")
}

func (s engineSource) Savings() usage.AggregatedStats { return s.e.Usage.Stats() }

func runDashboard(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	model := ui.NewDashboard(engineSource{e}, ui.DefaultStyles(), dashboardRefresh)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
