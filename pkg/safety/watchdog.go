package safety

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/route"
	"github.com/netopt/netopt/pkg/util"
)

// WatchdogState tracks the armed/disarmed lifecycle independently of the
// Transaction state machine, since the watchdog can be cancelled or
// confirmed by an out-of-band actor (the supervising rollback script).
type WatchdogState string

const (
	WatchdogIdle      WatchdogState = "IDLE"
	WatchdogArmed     WatchdogState = "ARMED"
	WatchdogConfirmed WatchdogState = "CONFIRMED"
	WatchdogCancelled WatchdogState = "CANCELLED"
	WatchdogExpired   WatchdogState = "EXPIRED"
)

// RollbackProfile is the conservative sysctl profile the watchdog applies
// on expiry (spec.md §4.8): tcp_congestion_control=cubic,
// default_qdisc=pfifo_fast.
var RollbackProfile = route.SysctlProfile{
	Values: map[string]string{
		"net.ipv4.tcp_congestion_control": "cubic",
		"net.core.default_qdisc":          "pfifo_fast",
	},
}

// Watchdog arms a timer at the moment apply succeeds. If it is not
// confirmed or cancelled before expiry, it runs the rollback sequence:
// remove all tc qdiscs, reapply RollbackProfile, restore the pre-apply
// route backup, and emit a CRIT-equivalent event.
type Watchdog struct {
	mu       sync.Mutex
	state    WatchdogState
	timer    *time.Timer
	deadline time.Time
	maxExtend time.Duration
	extended  time.Duration

	clk    *clock.Clock
	backup route.RouteBackup
	onExpire func(reason string)
}

// Arm starts the watchdog with the given timeout. onExpire is invoked
// after the rollback sequence completes (or fails), with a
// human-readable reason, so the caller can emit its own event/exit.
func Arm(clk *clock.Clock, timeout, maxExtend time.Duration, backup route.RouteBackup, onExpire func(reason string)) *Watchdog {
	w := &Watchdog{
		state:     WatchdogArmed,
		clk:       clk,
		backup:    backup,
		maxExtend: maxExtend,
		onExpire:  onExpire,
	}
	w.deadline = time.Now().Add(timeout)
	w.timer = time.AfterFunc(timeout, w.expire)
	return w
}

func (w *Watchdog) State() WatchdogState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Confirm disarms the watchdog and marks it confirmed (the transaction
// is expected to Commit separately).
func (w *Watchdog) Confirm() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != WatchdogArmed {
		return fmt.Errorf("cannot confirm watchdog from state %s", w.state)
	}
	w.timer.Stop()
	w.state = WatchdogConfirmed
	return nil
}

// Cancel disarms the watchdog and runs the rollback sequence
// immediately, as if it had expired, but without waiting for the timer.
func (w *Watchdog) Cancel(ctx context.Context) error {
	w.mu.Lock()
	if w.state != WatchdogArmed {
		w.mu.Unlock()
		return fmt.Errorf("cannot cancel watchdog from state %s", w.state)
	}
	w.timer.Stop()
	w.state = WatchdogCancelled
	w.mu.Unlock()

	w.runRollback(ctx, "operator cancel")
	return nil
}

// Extend adds seconds to the deadline, bounded by maxExtend total
// extension across the watchdog's lifetime.
func (w *Watchdog) Extend(seconds int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != WatchdogArmed {
		return fmt.Errorf("cannot extend watchdog from state %s", w.state)
	}
	add := time.Duration(seconds) * time.Second
	if w.extended+add > w.maxExtend {
		return fmt.Errorf("extend would exceed max_watchdog_extend of %s", w.maxExtend)
	}
	w.extended += add
	remaining := time.Until(w.deadline) + add
	w.deadline = w.deadline.Add(add)
	w.timer.Reset(remaining)
	return nil
}

func (w *Watchdog) expire() {
	w.mu.Lock()
	if w.state != WatchdogArmed {
		w.mu.Unlock()
		return
	}
	w.state = WatchdogExpired
	w.mu.Unlock()

	// The rollback path is uncancellable per spec.md §5: it runs to
	// completion even under operator interruption, so it gets its own
	// background context rather than inheriting a caller's cancellable one.
	w.runRollback(context.Background(), "watchdog timeout")
}

func (w *Watchdog) runRollback(ctx context.Context, reason string) {
	util.WithStage("watchdog").WithField("reason", reason).Error("watchdog firing, executing rollback sequence")

	resetAllQdiscs(ctx, w.clk)
	if _, err := route.TuneSysctl(ctx, w.clk, RollbackProfile); err != nil {
		util.WithStage("watchdog").WithField("err", err).Error("rollback sysctl profile application failed")
	}
	if err := route.Restore(ctx, w.clk, w.backup); err != nil {
		util.WithStage("watchdog").WithField("err", err).Error("rollback route restore failed")
	}

	if w.onExpire != nil {
		w.onExpire(reason)
	}
}

func resetAllQdiscs(ctx context.Context, clk *clock.Clock) {
	res, err := clk.Run(ctx, gatewayProbeDeadline, "ip", "-o", "link", "show")
	if err != nil {
		return
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if name == "" || name == "lo" {
			continue
		}
		clk.Run(ctx, gatewayProbeDeadline, "tc", "qdisc", "del", "dev", name, "root")
	}
}
