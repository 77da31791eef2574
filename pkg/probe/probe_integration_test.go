//go:build integration

package probe

import (
	"context"
	"testing"
	"time"

	"github.com/netopt/netopt/pkg/clock"
)

// These tests require real ICMP permissions (CAP_NET_RAW or
// net.ipv4.ping_group_range) and a reachable loopback gateway; run with
// `go test -tags integration ./pkg/probe/...` on a host configured for it.

func TestProbeLoopbackIsAlive(t *testing.T) {
	e := New(clock.New(), t.TempDir())
	p := e.Probe(context.Background(), "lo", "127.0.0.1", Options{PingCount: 2})
	if p.Dead() {
		t.Fatalf("loopback probe should be alive, got %+v", p)
	}
	if p.Source != SourceFresh {
		t.Fatalf("expected fresh source on first probe, got %v", p.Source)
	}
}

func TestProbeBatchBoundedConcurrency(t *testing.T) {
	e := New(clock.New(), t.TempDir())
	targets := []Target{
		{Link: "lo", Gateway: "127.0.0.1"},
		{Link: "dummy0", Gateway: "192.0.2.1"}, // TEST-NET-1, expected unreachable
	}
	results := e.ProbeBatch(context.Background(), targets, Options{PingCount: 1, ParallelTimeout: 3 * time.Second})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results["lo"].Dead() {
		t.Errorf("expected loopback probe to be alive")
	}
	if !results["dummy0"].Dead() {
		t.Errorf("expected TEST-NET-1 probe to be dead")
	}
}
