package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/netopt/netopt/pkg/checkpoint"
	"github.com/netopt/netopt/pkg/cli"
	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/inventory"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage system-state checkpoints",
}

func checkpointStore() (*checkpoint.Store, *clock.Clock, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	clk := clock.New()
	return checkpoint.New(checkpointsDir(), clk, cfg.CheckpointRetention), clk, nil
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create <name> [description]",
	Short: "Capture a new checkpoint of current system state",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		desc := "manual checkpoint"
		if len(args) == 2 {
			desc = args[1]
		}
		store, clk, err := checkpointStore()
		if err != nil {
			return err
		}
		id, err := checkpoint.Create(cmd.Context(), store, name, desc, inventoryLinkNames(cmd.Context(), clk))
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := checkpointStore()
		if err != nil {
			return err
		}
		metas, err := checkpoint.List(store)
		if err != nil {
			return err
		}
		t := cli.NewTable("ID", "NAME", "CREATED", "DESCRIPTION", "CHECKSUM")
		for _, m := range metas {
			t.Row(m.ID, m.Name, m.CreatedAtUTC.Format(time.RFC3339), m.Description, shortHash(m.Checksum))
		}
		t.Flush()
		return nil
	},
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore a checkpoint's sysctl keys and reset qdiscs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, clk, err := checkpointStore()
		if err != nil {
			return err
		}
		return withLock(func() error {
			return checkpoint.Restore(cmd.Context(), store, clk, args[0])
		})
	},
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := checkpointStore()
		if err != nil {
			return err
		}
		return checkpoint.Delete(store, args[0])
	},
}

var checkpointPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune checkpoints beyond the configured retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := checkpointStore()
		if err != nil {
			return err
		}
		return checkpoint.Prune(store)
	},
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// inventoryLinkNames lists the current link names to scope the per-link
// ethtool capture to; a discovery failure just means that detail is
// skipped, not that the checkpoint fails.
func inventoryLinkNames(ctx context.Context, clk *clock.Clock) []string {
	links, err := inventory.New(clk).List(ctx)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Name)
	}
	return names
}

func init() {
	checkpointCmd.AddCommand(checkpointCreateCmd, checkpointListCmd, checkpointRestoreCmd, checkpointDeleteCmd, checkpointPruneCmd)
}
