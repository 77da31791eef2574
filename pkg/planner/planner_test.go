package planner

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/netopt/netopt/pkg/aspath"
	"github.com/netopt/netopt/pkg/inventory"
	"github.com/netopt/netopt/pkg/probe"
)

func ms(v float64) *float64 { return &v }

// TestScoreMatchesWorkedScenario reproduces the two-link scenario where
// both inputs divide evenly by LATENCY_DIVISOR: eth0 at 10ms and ppp0 at
// 50ms, default config. Expected weights 38 and 7.
func TestScoreMatchesWorkedScenario(t *testing.T) {
	candidates := []Candidate{
		{Link: "eth0", Gateway: "10.0.0.1", Class: inventory.ClassEthernet, Probe: probe.Probe{LatencyMS: ms(10)}},
		{Link: "ppp0", Gateway: "10.64.0.1", Class: inventory.ClassMobile, Probe: probe.Probe{LatencyMS: ms(50)}},
	}
	plan := Score(candidates, Config{})
	if len(plan) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(plan))
	}
	if plan[0].Link != "eth0" || plan[0].Weight != 38 {
		t.Fatalf("eth0: got %+v, want weight 38", plan[0])
	}
	if plan[1].Link != "ppp0" || plan[1].Weight != 7 {
		t.Fatalf("ppp0: got %+v, want weight 7", plan[1])
	}
}

// TestScoreEthAndWifiAgainstLiteralFormula follows §4.5's formula exactly
// (float division throughout, single truncation at the end). eth0 at 2ms
// works out to 39, not the inconsistent "40" suggested elsewhere by
// narrative prose that doesn't match its own shown arithmetic; wlan0 at
// 15ms works out to 18 under every reading. The formula itself is treated
// as authoritative over any conflicting narrative aside.
func TestScoreEthAndWifiAgainstLiteralFormula(t *testing.T) {
	candidates := []Candidate{
		{Link: "eth0", Gateway: "10.0.0.1", Class: inventory.ClassEthernet, Probe: probe.Probe{LatencyMS: ms(2)}},
		{Link: "wlan0", Gateway: "10.0.0.1", Class: inventory.ClassWifi, Probe: probe.Probe{LatencyMS: ms(15)}},
	}
	plan := Score(candidates, Config{})
	byLink := map[string]Entry{}
	for _, e := range plan {
		byLink[e.Link] = e
	}
	if byLink["eth0"].Weight != 39 {
		t.Fatalf("eth0 weight = %d, want 39", byLink["eth0"].Weight)
	}
	if byLink["wlan0"].Weight != 18 {
		t.Fatalf("wlan0 weight = %d, want 18", byLink["wlan0"].Weight)
	}
}

func TestScoreExcludesDeadAndHighLoss(t *testing.T) {
	candidates := []Candidate{
		{Link: "eth0", Class: inventory.ClassEthernet, Probe: probe.Probe{LatencyMS: ms(10), LossPct: 0}},
		{Link: "wlan0", Class: inventory.ClassWifi, Probe: probe.Probe{LatencyMS: ms(10), LossPct: 80}},
		{Link: "ppp0", Class: inventory.ClassMobile, Probe: probe.Probe{LossPct: 100}},
	}
	plan := Score(candidates, Config{})
	if len(plan) != 1 || plan[0].Link != "eth0" {
		t.Fatalf("expected only eth0 to survive, got %+v", plan)
	}
}

func TestScoreTieBreakByClassThenName(t *testing.T) {
	// en1 and en0 both ethernet at the same latency tie on weight; link
	// name breaks the tie. wlan0 (wifi, 110ms) and ppp0 (mobile, 20ms) tie
	// on weight 9; class priority puts wlan0 first although "ppp0" sorts
	// earlier by name.
	candidates := []Candidate{
		{Link: "en1", Class: inventory.ClassEthernet, Probe: probe.Probe{LatencyMS: ms(10)}},
		{Link: "en0", Class: inventory.ClassEthernet, Probe: probe.Probe{LatencyMS: ms(10)}},
		{Link: "ppp0", Class: inventory.ClassMobile, Probe: probe.Probe{LatencyMS: ms(20)}},
		{Link: "wlan0", Class: inventory.ClassWifi, Probe: probe.Probe{LatencyMS: ms(110)}},
	}
	plan := Score(candidates, Config{})
	if plan[0].Link != "en0" || plan[1].Link != "en1" {
		t.Fatalf("expected en0 before en1 on name tie-break, got %+v", plan)
	}
	if plan[2].Link != "wlan0" || plan[3].Link != "ppp0" {
		t.Fatalf("expected wlan0 before ppp0 on class tie-break, got %+v", plan)
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	candidates := []Candidate{
		{Link: "eth0", Class: inventory.ClassEthernet, Probe: probe.Probe{LatencyMS: ms(12.345)}},
		{Link: "wlan0", Class: inventory.ClassWifi, Probe: probe.Probe{LatencyMS: ms(33.1)}},
	}
	a := Score(candidates, Config{})
	b := Score(candidates, Config{})
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("Score is not deterministic (-first +second):\n%s", diff)
	}
}

// TestScoreBGPBlendCanLowerAHighBaseCandidate documents the structural
// finding that a 0.7/0.3 blend with a bonus term capped at 120/5=24 cannot
// fully offset a high class-multiplied base: a high base_weighted
// candidate's blended weight can come out lower than its non-BGP weight
// even with full tier-1 bonus and a short hop count, because 0.3 of a
// large base always exceeds the bonus term's maximum contribution.
func TestScoreBGPBlendCanLowerAHighBaseCandidate(t *testing.T) {
	cfg := Config{EnableBGP: true}
	plain := Score([]Candidate{
		{Link: "eth0", Class: inventory.ClassEthernet, Probe: probe.Probe{LatencyMS: ms(2)}},
	}, Config{})[0].Weight

	withBGP := Score([]Candidate{
		{
			Link: "eth0", Class: inventory.ClassEthernet, Probe: probe.Probe{LatencyMS: ms(2)},
			AS: &aspath.Annotation{HopCount: 3, Tier1Present: true},
		},
	}, cfg)[0].Weight

	if withBGP >= plain {
		t.Fatalf("expected BGP blend to reduce a high base_weighted candidate's weight: plain=%d withBGP=%d", plain, withBGP)
	}
}
