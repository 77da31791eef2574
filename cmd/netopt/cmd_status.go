package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/netopt/netopt/pkg/checkpoint"
	"github.com/netopt/netopt/pkg/cli"
	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/safety"
)

const statusLineWidth = 24

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the installed default route, last checkpoint, and watchdog state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		clk := clock.New()
		res, err := clk.Run(cmd.Context(), 3*time.Second, "ip", "route", "show", "default")
		if err != nil {
			return err
		}
		fmt.Println("default route:")
		if res.Stdout == "" {
			fmt.Println("  (none installed)")
		} else {
			fmt.Print("  " + res.Stdout)
		}

		store := checkpoint.New(checkpointsDir(), clk, cfg.CheckpointRetention)
		metas, err := checkpoint.List(store)
		if err == nil && len(metas) > 0 {
			latest := metas[0]
			fmt.Printf("\nlast checkpoint: %s (%s, %s)\n", latest.ID, latest.Description, latest.CreatedAtUTC.Format(time.RFC3339))
		} else {
			fmt.Println("\nlast checkpoint: (none)")
		}

		printWatchdogStatus()
		return nil
	},
}

func printWatchdogStatus() {
	state, armed, err := safety.LoadSupervisorState(stateDir)
	fmt.Println()
	if err != nil || !armed {
		fmt.Println(cli.DotPad("watchdog", statusLineWidth) + cli.WatchdogStateColor("idle"))
		return
	}
	alive := safety.PidAlive(state.PID)
	// A state file with a dead supervisor PID means the supervisor exited
	// without running its deferred ClearSupervisorState (e.g. it was
	// killed); RunSupervisor clears the file on every normal return,
	// expiry included. That case is shown as "expired".
	label := "armed"
	aliveStr := cli.Green("true")
	if !alive {
		label = "expired"
		aliveStr = cli.Red("false")
	}
	t := cli.NewTable("PID", "ALIVE", "DEADLINE", "EXTENDED_S", "CHECKPOINT")
	t.Row(fmt.Sprintf("%d", state.PID), aliveStr, state.Deadline.Format(time.RFC3339), fmt.Sprintf("%d", state.ExtendedS), state.CheckpointID)
	fmt.Println(cli.DotPad("watchdog", statusLineWidth) + cli.WatchdogStateColor(label))
	t.Flush()
}
