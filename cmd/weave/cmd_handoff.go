package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"taskweave/cmd/weave/ui"
	"taskweave/internal/system"
	"taskweave/internal/types"
	"taskweave/internal/workflow"
)

var (
	handoffFrom         string
	handoffTo           string
	handoffMessage      string
	handoffDeliverables []string
	handoffPriority     string
)

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Transfer tasks between workers",
}

var handoffCreateCmd = &cobra.Command{
	Use:   "create <task-id>",
	Short: "Offer a task to another worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *system.Engine) error {
			h, err := e.Workflows.CreateHandoff(ctx, workflow.HandoffSpec{
				FromWorker:   handoffFrom,
				ToWorker:     handoffTo,
				TaskID:       args[0],
				Message:      handoffMessage,
				Deliverables: handoffDeliverables,
				Priority:     types.ParsePriority(handoffPriority),
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(h)
			}
			fmt.Printf("Handoff %s: %s → %s (%s)\n", h.ID, h.FromWorker, h.ToWorker, h.Status)
			return nil
		})
	},
}

var handoffAcceptCmd = &cobra.Command{
	Use:   "accept <handoff-id> <worker-id>",
	Short: "Accept a pending handoff; the task moves to the accepting worker",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *system.Engine) error {
			h, err := e.Workflows.AcceptHandoff(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Handoff %s accepted by %s; task %s reassigned.\n", h.ID, h.ToWorker, h.TaskID)
			return nil
		})
	},
}

var handoffRejectCmd = &cobra.Command{
	Use:   "reject <handoff-id> <worker-id>",
	Short: "Reject a pending handoff",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *system.Engine) error {
			return e.Workflows.RejectHandoff(ctx, args[0], args[1])
		})
	},
}

var handoffCompleteCmd = &cobra.Command{
	Use:   "complete <handoff-id>",
	Short: "Mark an accepted handoff completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *system.Engine) error {
			return e.Workflows.CompleteHandoff(ctx, args[0])
		})
	},
}

var handoffListCmd = &cobra.Command{
	Use:   "list <worker-id>",
	Short: "List handoffs waiting for a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *system.Engine) error {
			list, err := e.Workflows.PendingHandoffs(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(list)
			}
			if len(list) == 0 {
				fmt.Printf("No pending handoffs for %s.\n", args[0])
				return nil
			}
			table := ui.NewSimpleTable("Pending handoffs", []string{"ID", "From", "Task", "Priority", "Message"})
			for _, h := range list {
				table.AddRow(h.ID, h.FromWorker, h.TaskID, string(h.Priority), ui.Truncate(h.Message, 40))
			}
			fmt.Print(table.View(ui.DefaultStyles()))
			return nil
		})
	},
}

func init() {
	handoffCreateCmd.Flags().StringVar(&handoffFrom, "from", "", "Current owner (required)")
	handoffCreateCmd.Flags().StringVar(&handoffTo, "to", "", "Receiving worker (required)")
	handoffCreateCmd.Flags().StringVarP(&handoffMessage, "message", "m", "", "Context for the receiver")
	handoffCreateCmd.Flags().StringSliceVar(&handoffDeliverables, "deliverable", nil, "Expected deliverable (repeatable)")
	handoffCreateCmd.Flags().StringVar(&handoffPriority, "priority", "medium", "low, medium, high or critical")
	_ = handoffCreateCmd.MarkFlagRequired("from")
	_ = handoffCreateCmd.MarkFlagRequired("to")

	handoffCmd.AddCommand(handoffCreateCmd, handoffAcceptCmd, handoffRejectCmd, handoffCompleteCmd, handoffListCmd)
}
