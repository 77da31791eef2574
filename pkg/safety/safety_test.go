package safety

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/inventory"
	"github.com/netopt/netopt/pkg/planner"
	"github.com/netopt/netopt/pkg/route"
)

func TestPreflightFailsWithNoAdminUpLink(t *testing.T) {
	links := []inventory.Link{{Name: "eth0", AdminUp: false}}
	err := PreflightCheck(context.Background(), clock.New(), links, "", nil, true)
	if err == nil {
		t.Fatal("expected preflight to fail with no admin-up links")
	}
}

func TestPreflightFailsOnBadConfig(t *testing.T) {
	links := []inventory.Link{{Name: "eth0", AdminUp: true}}
	err := PreflightCheck(context.Background(), clock.New(), links, "", nil, false)
	if err == nil {
		t.Fatal("expected preflight to fail on unparseable config")
	}
}

func TestPreflightFailsOnMissingTool(t *testing.T) {
	links := []inventory.Link{{Name: "eth0", AdminUp: true}}
	err := PreflightCheck(context.Background(), clock.New(), links, "", []string{"definitely-not-a-real-binary-xyz"}, true)
	if err == nil {
		t.Fatal("expected preflight to fail on missing required tool")
	}
}

func TestIsRemoteSessionDetectsSSHEnv(t *testing.T) {
	os.Setenv("SSH_CONNECTION", "10.0.0.1 22 10.0.0.2 22")
	defer os.Unsetenv("SSH_CONNECTION")
	if !IsRemoteSession(nil) {
		t.Fatal("expected SSH_CONNECTION to mark session as remote")
	}
}

func TestIsRemoteSessionFalseWithoutSSHEnv(t *testing.T) {
	for _, k := range []string{"SSH_CONNECTION", "SSH_CLIENT", "SSH_TTY"} {
		os.Unsetenv(k)
	}
	if IsRemoteSession(nil) {
		t.Fatal("expected no SSH env to mean not remote (who-am-i check skipped with nil clock)")
	}
}

func TestTransactionStateMachineHappyPath(t *testing.T) {
	tx := NewTransaction()
	if tx.State() != StateOpen {
		t.Fatalf("new transaction should be OPEN, got %s", tx.State())
	}
	if err := tx.MarkApplied(route.RouteBackup{}, func() error { return nil }); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}
	if tx.State() != StateApplied {
		t.Fatalf("expected APPLIED, got %s", tx.State())
	}
	if err := tx.Confirm(); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if tx.State() != StateCommitted {
		t.Fatalf("expected COMMITTED, got %s", tx.State())
	}
	if !tx.State().Terminal() {
		t.Fatal("COMMITTED should be terminal")
	}
}

func TestTransactionRejectRunsRollback(t *testing.T) {
	tx := NewTransaction()
	rolledBack := false
	tx.MarkApplied(route.RouteBackup{}, func() error { rolledBack = true; return nil })
	if err := tx.Reject(); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if !rolledBack {
		t.Fatal("expected rollback callback to run")
	}
	if tx.State() != StateRolledBack {
		t.Fatalf("expected ROLLED_BACK, got %s", tx.State())
	}
}

func TestTransactionRejectFailureGoesFatal(t *testing.T) {
	tx := NewTransaction()
	tx.MarkApplied(route.RouteBackup{}, func() error { return context.DeadlineExceeded })
	if err := tx.Reject(); err == nil {
		t.Fatal("expected Reject to surface the rollback failure")
	}
	if tx.State() != StateFatal {
		t.Fatalf("expected FATAL after failed rollback, got %s", tx.State())
	}
}

func TestTransactionCannotConfirmFromOpen(t *testing.T) {
	tx := NewTransaction()
	if err := tx.Confirm(); err == nil {
		t.Fatal("expected Confirm to fail from OPEN")
	}
}

func TestWatchdogConfirmDisarms(t *testing.T) {
	w := Arm(clock.New(), time.Hour, time.Hour, route.RouteBackup{}, nil)
	if w.State() != WatchdogArmed {
		t.Fatalf("expected ARMED, got %s", w.State())
	}
	if err := w.Confirm(); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if w.State() != WatchdogConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", w.State())
	}
}

func TestWatchdogExtendBoundedByMax(t *testing.T) {
	w := Arm(clock.New(), time.Minute, 90*time.Second, route.RouteBackup{}, nil)
	defer w.Confirm()
	if err := w.Extend(60); err != nil {
		t.Fatalf("first extend within bound: %v", err)
	}
	if err := w.Extend(60); err == nil {
		t.Fatal("expected second extend to exceed max_watchdog_extend")
	}
}

func TestWatchdogCancelRunsRollbackSynchronously(t *testing.T) {
	fired := false
	w := Arm(clock.New(), time.Hour, time.Hour, route.RouteBackup{}, func(reason string) { fired = true })
	if err := w.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if w.State() != WatchdogCancelled {
		t.Fatalf("expected CANCELLED, got %s", w.State())
	}
	if !fired {
		t.Fatal("expected onExpire callback to run on cancel")
	}
}

func TestPostValidateResultFatalOnCoreFailures(t *testing.T) {
	r := PostValidateResult{RouteOK: false, GatewayOK: true, CanaryOK: true, DNSOK: true}
	if !r.Fatal() {
		t.Fatal("expected failed route check to be fatal")
	}
	r2 := PostValidateResult{RouteOK: true, GatewayOK: true, CanaryOK: true, DNSOK: false}
	if r2.Fatal() {
		t.Fatal("DNS-only failure should not be fatal")
	}
}

func TestRouteMatchesPlan(t *testing.T) {
	plan := planner.Plan{{Link: "eth0", Gateway: "10.0.0.1", Weight: 20}}
	out := "default via 10.0.0.1 dev eth0 weight 20"
	if !routeMatchesPlan(out, plan) {
		t.Fatal("expected route output to match plan")
	}
	if routeMatchesPlan("default via 10.0.0.2 dev eth1 weight 5", plan) {
		t.Fatal("expected mismatched route output to fail")
	}
}
