package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steroids-run/steroids/internal/cliutil"
	"github.com/steroids-run/steroids/internal/locking"
	"github.com/steroids-run/steroids/internal/logging"
)

var lockCmd = &cobra.Command{
	Use:     "lock",
	GroupID: "admin",
	Short:   "Inspect and administer task leases",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List every currently held task lease",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		e, err := openProject(ctx)
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}
		defer func() { _ = e.store.Close() }()

		locks, err := e.store.ListTaskLocks(ctx)
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}

		if jsonOutput {
			cliutil.PrintJSON(locks)
			return
		}
		for _, l := range locks {
			fmt.Printf("%s\theld by %s\texpires %s\n", l.TaskID, l.RunnerID, l.ExpiresAt.Format("15:04:05"))
		}
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <task-id>",
	Short: "Force-release a task's lease regardless of holder (admin override)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		e, err := openProject(ctx)
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}
		defer func() { _ = e.store.Close() }()

		lm := locking.New(e.store, logging.Discard())
		if err := lm.ForceReleaseTask(ctx, args[0]); err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}

		if jsonOutput {
			cliutil.PrintJSON(map[string]any{"task_id": args[0], "released": true})
		} else {
			fmt.Printf("%s released\n", args[0])
		}
	},
}

func init() {
	lockCmd.AddCommand(lockStatusCmd, lockReleaseCmd)
	rootCmd.AddCommand(lockCmd)
}
