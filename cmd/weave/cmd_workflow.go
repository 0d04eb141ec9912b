package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskweave/cmd/weave/ui"
	"taskweave/internal/execution"
	"taskweave/internal/system"
	"taskweave/internal/types"
)

var (
	flowName        string
	flowCoordinator string
	flowSession     string
	flowDeadline    time.Duration
	flowWait        bool
	flowSimulate    bool
	flowStatus      string
)

var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Aliases: []string{"wf"},
	Short:   "Create, run and inspect workflows",
}

var workflowCreateCmd = &cobra.Command{
	Use:   "create [request]",
	Short: "Decompose a request into a workflow session without running it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runWorkflowCreate,
}

var workflowRunCmd = &cobra.Command{
	Use:   "run [request]",
	Short: "Decompose a request and execute it autonomously",
	Long: `Decomposes the request into tasks and drives them to completion,
one task per tick, until every task is done or the deadline passes.

--simulate runs on a simulated clock: task durations are accounted but not
waited for, so a run finishes immediately.

Examples:
  weave workflow run "1. design schema 2. build api 3. write tests" --wait
  weave workflow run --session <id> --simulate`,
	RunE: runWorkflowRun,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflow sessions",
	RunE:  runWorkflowList,
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status <session-id|execution-id>",
	Short: "Show a session's tasks or an execution's progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowStatus,
}

var workflowExecutionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "List autonomous executions",
	RunE:  runWorkflowExecutions,
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume <execution-id>",
	Short: "Continue an execution left active by a previous process",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowResume,
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel an active execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowCancel,
}

var workflowPauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Pause a session; executions stop making progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *system.Engine) error {
			return e.Workflows.PauseSession(ctx, args[0])
		})
	},
}

var workflowResumeSessionCmd = &cobra.Command{
	Use:   "unpause <session-id>",
	Short: "Resume a paused session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *system.Engine) error {
			return e.Workflows.ResumeSession(ctx, args[0])
		})
	},
}

var workflowArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive tasks completed longer ago than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *system.Engine) error {
			n, err := e.Workflows.ArchiveCompleted(ctx, e.Config.GetRetentionWindow())
			if err == nil {
				fmt.Printf("Archived %d tasks.\n", n)
			}
			return err
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{workflowCreateCmd, workflowRunCmd} {
		c.Flags().StringVar(&flowName, "name", "", "Session name")
		c.Flags().StringVar(&flowCoordinator, "coordinator", "", "Coordinating worker")
	}
	workflowRunCmd.Flags().StringVar(&flowSession, "session", "", "Run an existing session instead of a new request")
	workflowRunCmd.Flags().DurationVar(&flowDeadline, "deadline", 0, "Execution deadline (default from config)")
	workflowRunCmd.Flags().BoolVar(&flowWait, "wait", false, "Block until the execution finishes")
	workflowRunCmd.Flags().BoolVar(&flowSimulate, "simulate", false, "Use a simulated clock")
	workflowResumeCmd.Flags().BoolVar(&flowSimulate, "simulate", false, "Use a simulated clock")
	workflowListCmd.Flags().StringVar(&flowStatus, "status", "", "Filter by status (active, paused, completed)")
	workflowExecutionsCmd.Flags().StringVar(&flowStatus, "state", "", "Filter by state")

	workflowCmd.AddCommand(workflowCreateCmd, workflowRunCmd, workflowListCmd, workflowStatusCmd,
		workflowExecutionsCmd, workflowResumeCmd, workflowCancelCmd, workflowPauseCmd,
		workflowResumeSessionCmd, workflowArchiveCmd)
}

// withEngine boots an engine for the duration of fn.
func withEngine(fn func(ctx context.Context, e *system.Engine) error, opts ...engineOption) error {
	ctx, cancel := commandContext()
	defer cancel()
	e, err := openEngine(ctx, opts...)
	if err != nil {
		return err
	}
	defer closeEngine(e)
	return fn(ctx, e)
}

func runWorkflowCreate(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *system.Engine) error {
		name := flowName
		if name == "" {
			name = "workflow"
		}
		sess, err := e.Workflows.CreateWorkflow(ctx, name, joinArgs(args), flowCoordinator)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(sess)
		}
		fmt.Printf("Session %s (%d tasks)\n", sess.SessionID, len(sess.Tasks))
		fmt.Print(ui.SessionTable(sess).View(ui.DefaultStyles()))
		return nil
	})
}

func executionOptions() []engineOption {
	if flowSimulate {
		return []engineOption{withManualExecution(execution.NewSimClock(time.Now()))}
	}
	return nil
}

func runWorkflowRun(cmd *cobra.Command, args []string) error {
	if flowSession == "" && len(args) == 0 {
		return fmt.Errorf("a request or --session is required")
	}
	return withEngine(func(ctx context.Context, e *system.Engine) error {
		exec, err := e.Executions.Start(ctx, execution.StartRequest{
			Name:        flowName,
			Request:     joinArgs(args),
			Coordinator: flowCoordinator,
			SessionID:   flowSession,
			Timeout:     flowDeadline,
		})
		if err != nil {
			return err
		}
		logger.Info("Execution started", zap.String("execution", exec.ID), zap.String("session", exec.SessionID))
		return followExecution(ctx, e, exec)
	}, executionOptions()...)
}

func runWorkflowResume(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *system.Engine) error {
		exec, err := e.Executions.Resume(ctx, args[0])
		if err != nil {
			return err
		}
		flowWait = true
		return followExecution(ctx, e, exec)
	}, executionOptions()...)
}

// followExecution drives a simulated run to the end, or polls a real one
// when --wait is set.
func followExecution(ctx context.Context, e *system.Engine, exec *types.Execution) error {
	var err error
	switch {
	case flowSimulate:
		for !exec.State.IsTerminal() {
			if exec, err = e.Executions.Tick(ctx, exec.ID); err != nil {
				return err
			}
			printProgress(exec)
		}
	case flowWait:
		ticker := time.NewTicker(e.Config.GetTickInterval())
		defer ticker.Stop()
		last := -1
		for !exec.State.IsTerminal() {
			select {
			case <-ctx.Done():
				fmt.Println("\nStopped following; the execution stays active. Use 'weave workflow resume'.")
				return nil
			case <-ticker.C:
			}
			if exec, err = e.Executions.Status(ctx, exec.ID); err != nil {
				return err
			}
			if exec.CompletedTasks != last {
				printProgress(exec)
				last = exec.CompletedTasks
			}
		}
	default:
		fmt.Printf("Execution %s started for session %s (%d tasks).\n", exec.ID, exec.SessionID, exec.TotalTasks)
		fmt.Println("The run stops when this process exits. Use --wait to follow it.")
		return nil
	}

	if jsonOutput {
		return printJSON(exec)
	}
	fmt.Printf("Execution %s %s: %d/%d tasks\n", exec.ID, exec.State, exec.CompletedTasks, exec.TotalTasks)
	if exec.LastError != "" {
		fmt.Printf("Last error: %s\n", exec.LastError)
	}
	return nil
}

func printProgress(exec *types.Execution) {
	if jsonOutput {
		return
	}
	fmt.Printf("  %s %d/%d\n", ui.ProgressBar(exec.Progress(), 20), exec.CompletedTasks, exec.TotalTasks)
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *system.Engine) error {
		list, err := e.Workflows.ListSessions(ctx, types.SessionStatus(flowStatus))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No workflow sessions.")
			return nil
		}
		table := ui.NewSimpleTable("Sessions", []string{"ID", "Name", "Status", "Coordinator", "Updated"})
		for _, s := range list {
			table.AddRow(s.SessionID, s.Name, string(s.Status), s.CoordinatorWorker, s.UpdatedAt.Format(time.DateTime))
		}
		fmt.Print(table.View(ui.DefaultStyles()))
		return nil
	})
}

func runWorkflowStatus(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *system.Engine) error {
		sess, err := e.Workflows.GetSession(ctx, args[0])
		if err == nil {
			if jsonOutput {
				return printJSON(sess)
			}
			fmt.Printf("%s [%s] coordinator=%s\n", sess.Name, sess.Status, sess.CoordinatorWorker)
			fmt.Print(ui.SessionTable(sess).View(ui.DefaultStyles()))
			return nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}
		exec, err := e.Executions.Status(ctx, args[0])
		if err != nil {
			return fmt.Errorf("no session or execution %s: %w", args[0], err)
		}
		if jsonOutput {
			return printJSON(exec)
		}
		fmt.Printf("Execution %s [%s] session=%s\n", exec.ID, exec.State, exec.SessionID)
		printProgress(exec)
		fmt.Printf("  deadline %s\n", exec.Deadline.Format(time.DateTime))
		return nil
	})
}

func runWorkflowExecutions(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, e *system.Engine) error {
		list, err := e.Executions.List(ctx, types.ExecutionState(flowStatus))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(list)
		}
		fmt.Print(ui.ExecutionTable(list).View(ui.DefaultStyles()))
		return nil
	})
}

func runWorkflowCancel(cmd *cobra.Command, args []string) error {
	clock := execution.NewSimClock(time.Now())
	return withEngine(func(ctx context.Context, e *system.Engine) error {
		if _, err := e.Executions.Resume(ctx, args[0]); err != nil {
			return err
		}
		exec, err := e.Executions.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Execution %s cancelled at %d/%d tasks.\n", exec.ID, exec.CompletedTasks, exec.TotalTasks)
		return nil
	}, withManualExecution(clock))
}
