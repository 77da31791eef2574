// Package planner implements C5: deterministic per-link weight scoring and
// the ordered multipath Plan that comes out of it.
package planner

import (
	"fmt"
	"math"
	"sort"

	"github.com/netopt/netopt/pkg/aspath"
	"github.com/netopt/netopt/pkg/inventory"
	"github.com/netopt/netopt/pkg/probe"
)

// Config holds the tunables of spec.md §4.5 and §6. Zero-value fields are
// replaced by their documented defaults in Score.
type Config struct {
	MaxLatency     float64 // ms
	LatencyDivisor float64
	MinWeight      int
	MaxWeight      int
	LossExcludePct float64
	EnableBGP      bool
}

func (c Config) withDefaults() Config {
	if c.MaxLatency == 0 {
		c.MaxLatency = 200
	}
	if c.LatencyDivisor == 0 {
		c.LatencyDivisor = 10
	}
	if c.MinWeight == 0 {
		c.MinWeight = 1
	}
	if c.MaxWeight == 0 {
		c.MaxWeight = 20
	}
	if c.LossExcludePct == 0 {
		c.LossExcludePct = 75
	}
	return c
}

// classMultiplier applies spec.md §4.5's per-class weighting.
func classMultiplier(class inventory.Class) float64 {
	switch class {
	case inventory.ClassEthernet:
		return 2.0
	case inventory.ClassMobile:
		return 0.5
	default: // wifi, unknown
		return 1.0
	}
}

// Candidate is one link considered for planning: its measured Probe, its
// class (for the multiplier and tie-break), and an optional AS-path
// annotation.
type Candidate struct {
	Link    string
	Gateway string
	Class   inventory.Class
	Probe   probe.Probe
	AS      *aspath.Annotation
}

// Entry is spec.md §3's PlanEntry: a scored, alive candidate.
type Entry struct {
	Link      string
	Gateway   string
	Weight    int
	Probe     probe.Probe
	Rationale string
}

// Plan is the ordered output of Score: descending weight, ties broken by
// class priority then link name (spec.md §3/§4.5).
type Plan []Entry

// Score builds a Plan from candidates. Candidates that are dead or whose
// loss meets or exceeds cfg.LossExcludePct are dropped regardless of
// latency (spec.md §4.5). An empty result means the caller must abort
// before any mutation (spec.md §3 invariant: len(Plan) >= 1 to proceed).
func Score(candidates []Candidate, cfg Config) Plan {
	cfg = cfg.withDefaults()

	var plan Plan
	for _, c := range candidates {
		if c.Probe.Dead() || c.Probe.LossPct >= cfg.LossExcludePct {
			continue
		}
		weight, rationale := score(c, cfg)
		plan = append(plan, Entry{
			Link:      c.Link,
			Gateway:   c.Gateway,
			Weight:    weight,
			Probe:     c.Probe,
			Rationale: rationale,
		})
	}

	sortPlan(plan, candidates)
	return plan
}

// sortPlan applies the documented tie-break: weight desc, then class
// priority asc, then link name asc.
func sortPlan(plan Plan, candidates []Candidate) {
	classOf := make(map[string]inventory.Class, len(candidates))
	for _, c := range candidates {
		classOf[c.Link] = c.Class
	}
	sort.SliceStable(plan, func(i, j int) bool {
		a, b := plan[i], plan[j]
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		pa, pb := classOf[a.Link].Priority(), classOf[b.Link].Priority()
		if pa != pb {
			return pa < pb
		}
		return a.Link < b.Link
	})
}

func score(c Candidate, cfg Config) (int, string) {
	latency := *c.Probe.LatencyMS // safe: Dead() already excluded nil latency

	base := clampF((cfg.MaxLatency-latency)/cfg.LatencyDivisor, float64(cfg.MinWeight), float64(cfg.MaxWeight))
	mult := classMultiplier(c.Class)
	weighted := clampF(base*mult, float64(cfg.MinWeight), float64(cfg.MaxWeight)*2)

	var weight int
	var rationale string
	if cfg.EnableBGP && c.AS != nil {
		bonus := math.Max(0, 100-float64(c.AS.HopCount)*5)
		if c.AS.Tier1Present {
			bonus += 20
		}
		blended := 0.7*weighted + 0.3*(bonus/5)
		weight = clampI(int(math.Round(blended)), 1, 40)
		rationale = fmt.Sprintf("%s: %s %.1fms ×%.1f, bgp hops=%d tier1=%v → w=%d",
			c.Link, c.Class, latency, mult, c.AS.HopCount, c.AS.Tier1Present, weight)
	} else {
		weight = clampI(int(math.Floor(weighted)), cfg.MinWeight, cfg.MaxWeight*2)
		rationale = fmt.Sprintf("%s: %s %.1fms ×%.1f → w=%d", c.Link, c.Class, latency, mult, weight)
	}
	return weight, rationale
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
