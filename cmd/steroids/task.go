package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steroids-run/steroids/internal/cliutil"
	"github.com/steroids-run/steroids/internal/types"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "views",
	Short:   "Inspect and administer tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally filtered by status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		e, err := openProject(ctx)
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}
		defer func() { _ = e.store.Close() }()

		statusFlag, _ := cmd.Flags().GetString("status")
		statuses := allStatuses
		if statusFlag != "" {
			statuses = []types.TaskStatus{types.TaskStatus(statusFlag)}
		}

		tasks, err := e.store.ListCandidateTasks(ctx, statuses, nil)
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}

		if jsonOutput {
			cliutil.PrintJSON(tasks)
			return
		}
		for _, t := range tasks {
			fmt.Printf("%s\t%s\t%s\n", t.ID, t.Status, t.Title)
		}
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task's full record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		e, err := openProject(ctx)
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}
		defer func() { _ = e.store.Close() }()

		task, err := e.store.GetTask(ctx, args[0])
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}
		if task == nil {
			cliutil.Fatal(jsonOutput, fmt.Errorf("task %s not found", args[0]))
			return
		}

		if jsonOutput {
			cliutil.PrintJSON(task)
			return
		}
		fmt.Printf("%s  %s\nstatus:    %s\nsection:   %s\nrejections:%d\nfailures:  %d\n",
			task.ID, task.Title, task.Status, task.SectionID, task.RejectionCount, task.FailureCount)
	},
}

var taskSkipCmd = &cobra.Command{
	Use:   "skip <task-id>",
	Short: "Mark a task skipped (operator override)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		e, err := openProject(ctx)
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}
		defer func() { _ = e.store.Close() }()

		notes, _ := cmd.Flags().GetString("reason")
		if err := e.store.TransitionTask(ctx, args[0], types.StatusSkipped, "operator", types.ActorHuman, notes, ""); err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}

		if jsonOutput {
			cliutil.PrintJSON(map[string]any{"task_id": args[0], "status": types.StatusSkipped})
		} else {
			fmt.Printf("%s skipped\n", args[0])
		}
	},
}

var allStatuses = []types.TaskStatus{
	types.StatusPending, types.StatusInProgress, types.StatusReview,
	types.StatusCompleted, types.StatusDisputed, types.StatusFailed, types.StatusSkipped,
}

func init() {
	taskListCmd.Flags().String("status", "", "filter by a single status")
	taskSkipCmd.Flags().String("reason", "", "note recorded in the audit trail")

	taskCmd.AddCommand(taskListCmd, taskShowCmd, taskSkipCmd)
	rootCmd.AddCommand(taskCmd)
}
