package main

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/netopt/netopt/pkg/safety"
	"github.com/netopt/netopt/pkg/util"
)

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Confirm, cancel, extend, or inspect an armed watchdog",
}

var watchdogConfirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Confirm the applied route, disarming the watchdog without rollback",
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalSupervisor(syscall.SIGUSR1, "confirmed")
	},
}

var watchdogCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the watchdog immediately, rolling back right away",
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalSupervisor(syscall.SIGUSR2, "cancelled, rollback triggered")
	},
}

var watchdogExtendCmd = &cobra.Command{
	Use:   "extend <seconds>",
	Short: "Extend the watchdog deadline, bounded by max_watchdog_extend_s",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seconds, err := strconv.Atoi(args[0])
		if err != nil || seconds <= 0 {
			return util.NewStageError(util.ErrWatchdogFired, "watchdog extend", 1, fmt.Errorf("invalid seconds %q", args[0]))
		}
		if err := writeExtendThenSignal(seconds); err != nil {
			return err
		}
		fmt.Printf("extend request for %ds sent\n", seconds)
		return nil
	},
}

var watchdogStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the armed watchdog's state",
	RunE: func(cmd *cobra.Command, args []string) error {
		printWatchdogStatus()
		return nil
	},
}

func init() {
	watchdogCmd.AddCommand(watchdogConfirmCmd, watchdogCancelCmd, watchdogExtendCmd, watchdogStatusCmd)
}

// loadArmedSupervisorPID returns the PID of the currently armed watchdog
// supervisor, erroring if none is armed.
func loadArmedSupervisorPID() (int, error) {
	state, armed, err := safety.LoadSupervisorState(stateDir)
	if err != nil {
		return 0, util.NewStageError(util.ErrWatchdogFired, "watchdog", 1, err)
	}
	if !armed {
		return 0, util.NewStageError(util.ErrWatchdogFired, "watchdog", 1, fmt.Errorf("no watchdog is currently armed"))
	}
	return state.PID, nil
}

func signalSupervisor(sig syscall.Signal, verb string) error {
	pid, err := loadArmedSupervisorPID()
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(sig); err != nil {
		return util.NewStageError(util.ErrWatchdogFired, "watchdog signal", 1, err)
	}
	fmt.Printf("watchdog pid %d %s\n", pid, verb)
	return nil
}

func writeExtendThenSignal(seconds int) error {
	pid, err := loadArmedSupervisorPID()
	if err != nil {
		return err
	}
	if err := safety.WriteExtendRequest(stateDir, seconds); err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGHUP)
}
