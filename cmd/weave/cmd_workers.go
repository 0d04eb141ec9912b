package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskweave/cmd/weave/ui"
	"taskweave/internal/types"
)

var (
	workerSpecialties []string
	workerCapacity    int
	workerEfficiency  float64
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Register workers and inspect their load",
	RunE:  runWorkersList,
}

var workersRegisterCmd = &cobra.Command{
	Use:   "register <worker-id>",
	Short: "Register or update a worker profile",
	Long: `Registers a worker with the balancer. Re-registering an existing worker
updates its specialties and capacity but keeps its current load.

Example:
  weave workers register alice --specialty backend --specialty api --capacity 3`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkersRegister,
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers with capacity and efficiency",
	RunE:  runWorkersList,
}

var workersTasksCmd = &cobra.Command{
	Use:   "tasks <worker-id>",
	Short: "List open tasks assigned to a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkersTasks,
}

func init() {
	workersRegisterCmd.Flags().StringSliceVarP(&workerSpecialties, "specialty", "s", nil, "Specialty (repeatable)")
	workersRegisterCmd.Flags().IntVar(&workerCapacity, "capacity", 0, "Maximum concurrent tasks (default from config)")
	workersRegisterCmd.Flags().Float64Var(&workerEfficiency, "efficiency", 0, "Initial efficiency score in [0,1] (default from config)")

	workersCmd.AddCommand(workersRegisterCmd)
	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersTasksCmd)
}

func runWorkersRegister(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	w, err := e.Balancer.Register(ctx, types.WorkerProfile{
		WorkerID:        args[0],
		Specialties:     workerSpecialties,
		MaxCapacity:     workerCapacity,
		EfficiencyScore: workerEfficiency,
	})
	if err != nil {
		return err
	}
	logger.Info("Registered worker", zap.String("worker", w.WorkerID), zap.Strings("specialties", w.Specialties))
	if jsonOutput {
		return printJSON(w)
	}
	fmt.Printf("Registered %s (%s) capacity=%d efficiency=%.2f\n",
		w.WorkerID, strings.Join(w.Specialties, ", "), w.MaxCapacity, w.EfficiencyScore)
	return nil
}

func runWorkersList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	workers := e.Balancer.Workloads()
	if jsonOutput {
		return printJSON(workers)
	}
	if len(workers) == 0 {
		fmt.Println("No workers registered. Use: weave workers register <id>")
		return nil
	}
	fmt.Print(ui.WorkerTable(workers).View(ui.DefaultStyles()))
	return nil
}

func runWorkersTasks(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	tasks, err := e.Workflows.GetTasksForWorker(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(tasks)
	}
	if len(tasks) == 0 {
		fmt.Printf("No open tasks for %s.\n", args[0])
		return nil
	}
	fmt.Print(ui.TaskTable(args[0], tasks).View(ui.DefaultStyles()))
	return nil
}
