package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steroids-run/steroids/internal/cliutil"
	"github.com/steroids-run/steroids/internal/daemon"
	"github.com/steroids-run/steroids/internal/recovery"
	"github.com/steroids-run/steroids/internal/store/globaldb"
)

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	GroupID: "admin",
	Short:   "Diagnostic checks beyond the automatic stuck-task detector",
}

// runnerReport is one row of the doctor runners cross-check.
type runnerReport struct {
	RunnerID     string `json:"runner_id"`
	ProjectPath  string `json:"project_path"`
	PID          int    `json:"pid"`
	InDatabase   bool   `json:"in_database"`
	InRegistry   bool   `json:"in_registry"`
	ProcessAlive bool   `json:"process_alive"`
	Issue        string `json:"issue,omitempty"`
}

var doctorRunnersCmd = &cobra.Command{
	Use:   "runners",
	Short: "Cross-check the global runners table against the host registry file",
	Long: `runners compares the global database's runners table against
the host-local registry file that each runner process registers itself
into on startup. A runner present in one but not the other, or whose
PID is no longer alive, is surfaced here even though it may not yet have
tripped the stuck-task detector's zombie_runner/dead_runner thresholds —
this is additive operator visibility, not a new pathology.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		global, err := openGlobal(ctx)
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}
		defer func() { _ = global.Close() }()

		home, err := globaldb.DefaultHome()
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}
		reg, err := daemon.NewRegistry(home)
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}

		dbRunners, err := global.ListRunners(ctx)
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}
		regEntries, err := reg.List()
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}
		regByID := make(map[string]daemon.Entry, len(regEntries))
		for _, e := range regEntries {
			regByID[e.RunnerID] = e
		}

		var reports []runnerReport
		seen := make(map[string]bool, len(dbRunners))
		for _, r := range dbRunners {
			seen[r.ID] = true
			_, inRegistry := regByID[r.ID]
			rep := runnerReport{
				RunnerID: r.ID, ProjectPath: r.ProjectPath, PID: r.OSProcessID,
				InDatabase: true, InRegistry: inRegistry,
				ProcessAlive: recovery.DefaultProcessAlive(r.OSProcessID),
			}
			switch {
			case !rep.ProcessAlive:
				rep.Issue = "process not alive"
			case !inRegistry:
				rep.Issue = "missing from host registry"
			}
			reports = append(reports, rep)
		}
		for _, e := range regEntries {
			if seen[e.RunnerID] {
				continue
			}
			reports = append(reports, runnerReport{
				RunnerID: e.RunnerID, ProjectPath: e.ProjectPath, PID: e.PID,
				InRegistry: true, ProcessAlive: recovery.DefaultProcessAlive(e.PID),
				Issue: "missing from global database",
			})
		}

		if jsonOutput {
			cliutil.PrintJSON(reports)
			return
		}
		if len(reports) == 0 {
			fmt.Println("no runners registered")
			return
		}
		for _, r := range reports {
			status := "ok"
			if r.Issue != "" {
				status = r.Issue
			}
			fmt.Printf("%s\tpid=%d\t%s\n", r.RunnerID, r.PID, status)
		}
	},
}

func init() {
	doctorCmd.AddCommand(doctorRunnersCmd)
	rootCmd.AddCommand(doctorCmd)
}
