package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netopt/netopt/pkg/event"
	"github.com/netopt/netopt/pkg/route"
	"github.com/netopt/netopt/pkg/util"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Reinstall the default route captured before the last apply",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		return withLock(func() error {
			deps := buildDeps(cfg)
			backup, ok, err := readRouteBackup()
			if err != nil {
				return err
			}
			if !ok {
				return util.NewStageError(util.ErrApplyFailed, "restore", 1, fmt.Errorf("no route backup recorded at %s", routeBackupPath()))
			}
			if err := route.Restore(cmd.Context(), deps.Clock, backup); err != nil {
				return err
			}
			deps.Events.Info(event.KindApply, "default route restored from backup", map[string]any{"path": routeBackupPath()})
			fmt.Println("default route restored")
			return nil
		})
	},
}
