package clock

import (
	"context"
	"testing"
	"time"
)

func TestRunCapturesOutput(t *testing.T) {
	c := New()
	res, err := c.Run(context.Background(), time.Second, "echo", "hello")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.TimedOut {
		t.Fatalf("expected no timeout")
	}
	if res.Stdout != "hello\n" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "hello\n")
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	c := New()
	res, err := c.Run(context.Background(), time.Second, "false")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.ExitCode == 0 {
		t.Fatalf("expected non-zero exit code")
	}
}

func TestRunDeadlineExceeded(t *testing.T) {
	c := New()
	start := time.Now()
	res, err := c.Run(context.Background(), 100*time.Millisecond, "sleep", "5")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected TimedOut = true")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Run took %v, expected prompt kill well under the 5s sleep", elapsed)
	}
}

func TestRunMissingBinary(t *testing.T) {
	c := New()
	_, err := c.Run(context.Background(), time.Second, "netopt-does-not-exist-anywhere")
	if err == nil {
		t.Fatalf("expected error for missing binary")
	}
}
