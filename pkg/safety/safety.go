// Package safety implements C8: pre-flight checks, remote-session
// detection, the apply/commit/rollback transaction state machine, the
// watchdog that survives operator disconnection, and post-apply
// validation.
package safety

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/inventory"
	"github.com/netopt/netopt/pkg/planner"
	"github.com/netopt/netopt/pkg/route"
	"github.com/netopt/netopt/pkg/util"
)

const (
	gatewayProbeDeadline = 2 * time.Second
	canaryDeadline       = 3 * time.Second
	dnsDeadline          = 3 * time.Second
	defaultCanary        = "1.1.1.1"
	defaultCanaryName    = "cloudflare.com"
)

// PreflightCheck verifies the conditions spec.md §4.8 requires before any
// mutation: at least one admin-up link, the default gateway reachable,
// required tools present, and the config file parseable (config parsing
// is the caller's responsibility; PreflightCheck is told whether it
// already succeeded via configOK).
func PreflightCheck(ctx context.Context, clk *clock.Clock, links []inventory.Link, gateway string, requiredTools []string, configOK bool) error {
	if !configOK {
		return util.NewStageError(util.ErrPreflight, "preflight: config", 6, fmt.Errorf("configuration file is not parseable"))
	}

	hasAdminUp := false
	for _, l := range links {
		if l.AdminUp {
			hasAdminUp = true
			break
		}
	}
	if !hasAdminUp {
		return util.NewStageError(util.ErrPreflight, "preflight: links", 6, fmt.Errorf("no admin-up link found"))
	}

	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			return util.NewStageError(util.ErrPreflight, "preflight: tools", 3, util.NewMissingToolError(tool))
		}
	}

	if gateway != "" {
		res, err := clk.Run(ctx, gatewayProbeDeadline, "ping", "-c", "1", "-W", "2", gateway)
		if err != nil || res.TimedOut || res.ExitCode != 0 {
			return util.NewStageError(util.ErrPreflight, "preflight: gateway reachability", 6, fmt.Errorf("default gateway %s unreachable", gateway))
		}
	}

	return nil
}

// IsRemoteSession reports whether the current invocation is likely to be
// over a remote session, per spec.md §4.8's detection rule. Multiplexers
// (TMUX, STY) are noted in the log but never by themselves imply remote.
func IsRemoteSession(clk *clock.Clock) bool {
	for _, key := range []string{"SSH_CONNECTION", "SSH_CLIENT", "SSH_TTY"} {
		if os.Getenv(key) != "" {
			return true
		}
	}
	if os.Getenv("TMUX") != "" || os.Getenv("STY") != "" {
		util.Logger.Debug("running inside a multiplexer; not treated as remote by itself")
	}

	if clk != nil {
		res, err := clk.Run(context.Background(), time.Second, "who", "am", "i")
		if err == nil && !res.TimedOut && res.ExitCode == 0 && strings.Contains(res.Stdout, "(") {
			return true
		}
	}
	return false
}

// IsInteractiveTTY reports whether stdin is a terminal. IsRemoteSession
// does not call it, and no command prompts on it.
func IsInteractiveTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// State is the transaction lifecycle of spec.md §4.6.
type State string

const (
	StateIdle        State = "IDLE"
	StateOpen        State = "OPEN"
	StateApplied     State = "APPLIED"
	StateCommitted   State = "COMMITTED"
	StateRolledBack  State = "ROLLED_BACK"
	StateFatal       State = "FATAL"
)

func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateFatal
}

// Transaction pairs a checkpoint + plan + lock into a single
// commit-or-rollback unit, enforcing the state machine transitions.
type Transaction struct {
	state     State
	backup    route.RouteBackup
	onRollback func() error
}

// NewTransaction begins a transaction in the OPEN state.
func NewTransaction() *Transaction {
	return &Transaction{state: StateOpen}
}

func (t *Transaction) State() State { return t.state }

// Backup returns the pre-apply route backup recorded at MarkApplied, so a
// caller handing watchdog enforcement off to a detached supervisor
// process can carry it across the process boundary.
func (t *Transaction) Backup() route.RouteBackup { return t.backup }

// MarkApplied transitions OPEN -> APPLIED after a successful apply,
// recording the pre-apply backup so Reject/watchdog expiry can restore
// it.
func (t *Transaction) MarkApplied(backup route.RouteBackup, onRollback func() error) error {
	if t.state != StateOpen {
		return fmt.Errorf("cannot mark applied from state %s", t.state)
	}
	t.backup = backup
	t.onRollback = onRollback
	t.state = StateApplied
	return nil
}

// MarkApplyFailed transitions OPEN -> ROLLED_BACK automatically; apply's
// own failure path already restored the backup, so this only updates
// state.
func (t *Transaction) MarkApplyFailed() {
	if t.state == StateOpen {
		t.state = StateRolledBack
	}
}

// Confirm transitions APPLIED -> COMMITTED (terminal).
func (t *Transaction) Confirm() error {
	if t.state != StateApplied {
		return fmt.Errorf("cannot confirm from state %s", t.state)
	}
	t.state = StateCommitted
	return nil
}

// Reject transitions APPLIED -> ROLLED_BACK (terminal), running the
// rollback callback. The rollback path itself is uncancellable: a
// failure here is the only place this package allows escalation to
// FATAL, since state is already indeterminate.
func (t *Transaction) Reject() error {
	if t.state != StateApplied {
		return fmt.Errorf("cannot reject from state %s", t.state)
	}
	if t.onRollback != nil {
		if err := t.onRollback(); err != nil {
			t.state = StateFatal
			return fmt.Errorf("rollback failed, transaction is FATAL: %w", err)
		}
	}
	t.state = StateRolledBack
	return nil
}

// PostValidate runs the four checks of spec.md §4.8 after a successful
// apply, before the watchdog confirmation window opens. Failure of
// steps 1-3 must trigger an immediate caller-driven rollback (no
// operator window); failure of step 4 is a warning only.
type PostValidateResult struct {
	RouteOK bool
	GatewayOK bool
	CanaryOK bool
	DNSOK     bool
	DNSSkipped bool
}

// Fatal reports whether any of the must-pass checks (1-3) failed.
func (r PostValidateResult) Fatal() bool {
	return !r.RouteOK || !r.GatewayOK || !r.CanaryOK
}

func PostValidate(ctx context.Context, clk *clock.Clock, plan planner.Plan, dnsConfigured bool) PostValidateResult {
	var result PostValidateResult

	res, err := clk.Run(ctx, gatewayProbeDeadline, "ip", "route", "show", "default")
	result.RouteOK = err == nil && !res.TimedOut && routeMatchesPlan(res.Stdout, plan)

	if len(plan) > 0 {
		r2, err := clk.Run(ctx, gatewayProbeDeadline, "ping", "-c", "1", "-W", "2", plan[0].Gateway)
		result.GatewayOK = err == nil && !r2.TimedOut && r2.ExitCode == 0
	}

	r3, err := clk.Run(ctx, canaryDeadline, "ping", "-c", "1", "-W", "3", defaultCanary)
	result.CanaryOK = err == nil && !r3.TimedOut && r3.ExitCode == 0

	if !dnsConfigured {
		result.DNSSkipped = true
		result.DNSOK = true
	} else {
		r4, err := clk.Run(ctx, dnsDeadline, "getent", "hosts", defaultCanaryName)
		result.DNSOK = err == nil && !r4.TimedOut && r4.ExitCode == 0
	}
	return result
}

func routeMatchesPlan(routeShowOutput string, plan planner.Plan) bool {
	for _, e := range plan {
		if !strings.Contains(routeShowOutput, e.Link) || !strings.Contains(routeShowOutput, e.Gateway) {
			return false
		}
	}
	return len(plan) > 0
}
