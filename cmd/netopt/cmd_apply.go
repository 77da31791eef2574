package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/netopt/netopt/pkg/cli"
	"github.com/netopt/netopt/pkg/config"
	"github.com/netopt/netopt/pkg/pipeline"
	"github.com/netopt/netopt/pkg/route"
	"github.com/netopt/netopt/pkg/util"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Probe every admin-up gateway, plan a weighted ECMP default route, and install it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var result *pipeline.ApplyResult
		err = withLock(func() error {
			deps := buildDeps(cfg)
			result, err = pipeline.Apply(cmd.Context(), deps)
			return err
		})
		if err != nil {
			return err
		}

		printApplyResult(cfg, result)

		if err := writeRouteBackup(result.Transaction.Backup()); err != nil {
			util.Logger.WithField("err", err).Warn("apply: failed to persist route backup for later `netopt restore`")
		}

		if result.Watchdog != nil {
			if err := spawnSupervisor(cfg, result); err != nil {
				util.Logger.WithField("err", err).Warn("apply: failed to spawn detached watchdog supervisor, confirming immediately instead")
				return result.Transaction.Confirm()
			}
			fmt.Printf("\nRemote session detected: route applied but not yet committed.\n")
			fmt.Printf("Confirm within %ds with `netopt watchdog confirm`, or it auto-rolls-back.\n", cfg.WatchdogTimeoutS)
			return nil
		}

		return result.Transaction.Confirm()
	},
}

func printApplyResult(cfg config.Config, result *pipeline.ApplyResult) {
	cli.RenderPlan(result.Plan, cfg.LossExcludePct).Flush()
	if result.CheckpointID != "" {
		fmt.Printf("\ncheckpoint: %s\n", result.CheckpointID)
	}
}

// spawnSupervisor re-execs this binary as a detached `netopt supervise`
// child carrying the armed watchdog's backup and deadline across the
// process boundary, per spec.md §4.8/§5's requirement that rollback
// survive the parent apply process dying. The in-process Watchdog that
// pipeline.Apply armed only existed to validate the timing/state handoff;
// its timer dies with this process on exit below, and supervise becomes
// the sole timer from here on.
func spawnSupervisor(cfg config.Config, result *pipeline.ApplyResult) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}

	payload := supervisePayload{
		TimeoutS:     cfg.WatchdogTimeoutS,
		MaxExtendS:   cfg.MaxWatchdogExtendS,
		Backup:       result.Transaction.Backup(),
		CheckpointID: result.CheckpointID,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	payloadPath := statePath() + ".supervise-payload.json"
	if err := os.WriteFile(payloadPath, raw, 0600); err != nil {
		return err
	}

	logPath := statePath() + ".supervisor.log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	c := exec.Command(self, "supervise", "--state-dir", stateDir, "--payload", payloadPath)
	c.Stdout = logFile
	c.Stderr = logFile
	c.Stdin = nil
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := c.Start(); err != nil {
		return err
	}
	// Deliberately not Wait()'d: the child is orphaned and supervises on
	// its own after this process exits.
	return nil
}

// supervisePayload is the JSON handoff from `apply` to `supervise`.
type supervisePayload struct {
	TimeoutS     int               `json:"timeout_s"`
	MaxExtendS   int               `json:"max_extend_s"`
	Backup       route.RouteBackup `json:"backup"`
	CheckpointID string            `json:"checkpoint_id"`
}
