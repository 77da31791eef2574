package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/safety"
)

var supervisePayloadPath string

// superviseCmd is the hidden entrypoint `apply` re-execs itself into as a
// detached, session-leader child (see spawnSupervisor in cmd_apply.go). It
// is not meant to be invoked directly by an operator.
var superviseCmd = &cobra.Command{
	Use:    "supervise",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(supervisePayloadPath)
		if err != nil {
			return err
		}
		defer os.Remove(supervisePayloadPath)

		var payload supervisePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}

		clk := clock.New()
		sink := buildEventSink()
		code := safety.RunSupervisor(stateDir, clk,
			time.Duration(payload.TimeoutS)*time.Second,
			time.Duration(payload.MaxExtendS)*time.Second,
			payload.Backup, payload.CheckpointID, sink)

		if code != 0 {
			fmt.Fprintf(os.Stderr, "supervisor exiting %d\n", code)
			os.Exit(code)
		}
		return nil
	},
}

func init() {
	superviseCmd.Flags().StringVar(&supervisePayloadPath, "payload", "", "Path to the JSON handoff payload written by apply")
}
