package safety

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/event"
	"github.com/netopt/netopt/pkg/route"
)

// RunSupervisor is the out-of-band watchdog process body spec.md §4.8 and
// §5 require: something that keeps running, and keeps the capability to
// roll back, even if the process that ran `apply` dies. cmd/netopt spawns
// it as a detached child (Setsid, stdio redirected to a log file) right
// after a remote apply succeeds and returns control to the operator's
// shell; RunSupervisor then owns the real timer.
//
// SIGUSR1 confirms (disarm, no rollback). SIGUSR2 cancels (disarm,
// rollback immediately). SIGHUP re-reads a pending extend request dropped
// by `netopt watchdog extend` via WriteExtendRequest. Expiry with no
// signal received runs the rollback sequence and returns 8, the
// ErrWatchdogFired exit code.
func RunSupervisor(stateDir string, clk *clock.Clock, timeout, maxExtend time.Duration, backup route.RouteBackup, checkpointID string, sink *event.Sink) int {
	now := time.Now()
	state := SupervisorState{
		PID:          os.Getpid(),
		ArmedAt:      now,
		Deadline:     now.Add(timeout),
		TimeoutS:     int(timeout.Seconds()),
		MaxExtendS:   int(maxExtend.Seconds()),
		CheckpointID: checkpointID,
		Backup:       backup,
	}
	if err := SaveSupervisorState(stateDir, state); err != nil {
		sink.Error(event.KindWatchdog, "supervisor: failed to persist state", map[string]any{"err": err.Error()})
		return 1
	}
	defer ClearSupervisorState(stateDir)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	timer := time.NewTimer(time.Until(state.Deadline))
	defer timer.Stop()

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				sink.Info(event.KindWatchdog, "watchdog confirmed by operator", nil)
				return 0
			case syscall.SIGUSR2:
				sink.Warn(event.KindWatchdog, "watchdog cancelled by operator, rolling back", nil)
				runRollbackSequence(context.Background(), clk, backup, sink)
				return 0
			case syscall.SIGHUP:
				add := time.Duration(ReadAndClearExtendRequest(stateDir)) * time.Second
				if add <= 0 {
					continue
				}
				if time.Duration(state.ExtendedS)*time.Second+add > maxExtend {
					sink.Warn(event.KindWatchdog, "extend request exceeds max_watchdog_extend, ignoring", nil)
					continue
				}
				state.ExtendedS += int(add.Seconds())
				state.Deadline = state.Deadline.Add(add)
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(time.Until(state.Deadline))
				if err := SaveSupervisorState(stateDir, state); err != nil {
					sink.Warn(event.KindWatchdog, "failed to persist extended deadline", map[string]any{"err": err.Error()})
				}
				sink.Info(event.KindWatchdog, "watchdog extended", map[string]any{"added_s": int(add.Seconds())})
			}
		case <-timer.C:
			sink.Fatal(event.KindWatchdog, "watchdog expired, rolling back", map[string]any{"reason": "timeout"})
			runRollbackSequence(context.Background(), clk, backup, sink)
			return 8
		}
	}
}

// runRollbackSequence is the sequence spec.md §4.8 mandates on watchdog
// expiry: tear down every interface's qdiscs, reapply the conservative
// sysctl profile, and restore the pre-apply route backup.
func runRollbackSequence(ctx context.Context, clk *clock.Clock, backup route.RouteBackup, sink *event.Sink) {
	resetAllQdiscs(ctx, clk)
	if _, err := route.TuneSysctl(ctx, clk, RollbackProfile); err != nil {
		sink.Warn(event.KindWatchdog, "rollback sysctl profile application failed", map[string]any{"err": err.Error()})
	}
	if err := route.Restore(ctx, clk, backup); err != nil {
		sink.Error(event.KindWatchdog, "rollback route restore failed", map[string]any{"err": err.Error()})
	}
}

// PidAlive reports whether pid is a currently running process, reusing
// the same signal-0 probe the lock package uses to detect a stale lock.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
