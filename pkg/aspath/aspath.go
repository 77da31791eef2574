// Package aspath implements C4: optional AS-path tracing and tier-1
// transit tagging for a probed gateway. Absence of the trace tool, a
// timeout, or an empty result degrades silently — annotation is enrichment,
// never a reason to fail a probe (spec.md §4.4).
package aspath

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/util"
)

// tier1 is the static set of autonomous systems considered to have
// settlement-free global reachability (spec.md §4.4).
var tier1 = map[int]bool{
	174: true, 701: true, 1299: true, 2914: true, 3257: true, 3356: true,
	3491: true, 5511: true, 6453: true, 6461: true, 6762: true, 7018: true,
}

// Canary is the external destination traced through a link's gateway to
// discover the upstream AS path.
const Canary = "1.1.1.1"

// TraceTimeout bounds one AS-path trace per spec.md §4.4's "timeout"
// failure mode.
const TraceTimeout = 3 * time.Second

// Annotation enriches a probe with AS-path intelligence.
type Annotation struct {
	ASPath       []int
	Tier1Present bool
	HopCount     int
}

var asNumberRe = regexp.MustCompile(`AS(\d+)`)

// Annotate traces the path from link to Canary via the route tracer and
// extracts AS numbers in trace order, deduplicating consecutive repeats.
// The second return value is false when no usable annotation could be
// produced (tool missing, timeout, empty trace).
func Annotate(ctx context.Context, clk *clock.Clock, link string) (Annotation, bool) {
	res, err := clk.Run(ctx, TraceTimeout, "mtr", "--raw", "-z", "-c", "1", "-I", link, Canary)
	if err != nil {
		util.WithLink(link).WithField("err", err).Debug("aspath: tracer unavailable")
		return Annotation{}, false
	}
	if res.TimedOut {
		util.WithLink(link).Debug("aspath: trace timed out")
		return Annotation{}, false
	}

	matches := asNumberRe.FindAllStringSubmatch(res.Stdout, -1)
	if len(matches) == 0 {
		return Annotation{}, false
	}

	var path []int
	for _, m := range matches {
		asn, perr := strconv.Atoi(m[1])
		if perr != nil {
			continue
		}
		if err := util.ValidateASN(asn); err != nil {
			continue
		}
		if len(path) > 0 && path[len(path)-1] == asn {
			continue // dedupe consecutive duplicates
		}
		path = append(path, asn)
	}
	if len(path) == 0 {
		return Annotation{}, false
	}

	ann := Annotation{ASPath: path, HopCount: len(path)}
	for _, asn := range path {
		if tier1[asn] {
			ann.Tier1Present = true
			break
		}
	}
	return ann, true
}
