// Package probe implements C3: concurrent, cached, early-exit gateway
// measurement producing latency, jitter, loss, and MTU.
package probe

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/util"
)

// Source reports whether a Probe was measured this call or served from cache.
type Source string

const (
	SourceFresh  Source = "fresh"
	SourceCached Source = "cached"
)

// Probe is one (link, gateway) measurement. LatencyMS is nil exactly when
// the probe is dead (spec.md §3 invariant: loss_pct == 100 implies latency
// is "unreachable").
type Probe struct {
	Link       string
	Gateway    string
	LatencyMS  *float64
	JitterMS   *float64
	LossPct    float64
	MTU        *int
	MeasuredAt time.Time
	Source     Source
}

// Dead reports whether the probe is classified dead per spec.md §3.
func (p Probe) Dead() bool {
	return p.LossPct >= 100
}

// Options configures one probe run. Zero values are replaced by the
// documented defaults in Probe/ProbeBatch.
type Options struct {
	PingCount       int
	PingTimeout     time.Duration
	ProbeJumbo      bool
	CacheTTL        time.Duration
	ParallelTimeout time.Duration
	MaxConcurrency  int
}

func (o Options) withDefaults() Options {
	if o.PingCount <= 0 {
		o.PingCount = 2
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 60 * time.Second
	}
	if o.ParallelTimeout <= 0 {
		o.ParallelTimeout = 5 * time.Second
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 4
	}
	return o
}

// Target identifies a (link, gateway) pair to probe.
type Target struct {
	Link    string
	Gateway string
}

// Engine runs probes through a Clock and a shared Cache.
type Engine struct {
	clk   *clock.Clock
	cache *Cache
}

// New returns an Engine backed by clk, caching results under cacheDir
// (empty string disables the on-disk mirror and keeps cache in-memory
// only — used by tests).
func New(clk *clock.Clock, cacheDir string) *Engine {
	return &Engine{clk: clk, cache: NewCache(cacheDir)}
}

// Probe measures a single (link, gateway), serving a cache hit when one
// exists with age < opts.CacheTTL (spec.md §4.3).
func (e *Engine) Probe(ctx context.Context, link, gateway string, opts Options) Probe {
	opts = opts.withDefaults()

	if cached, ok := e.cache.Get(link, gateway, opts.CacheTTL); ok {
		return cached
	}

	p := e.measure(ctx, link, gateway, opts)
	e.cache.Put(link, gateway, p)
	return p
}

// ProbeBatch runs probes for every target concurrently, bounded by
// opts.MaxConcurrency, cancelling any still in flight at
// opts.ParallelTimeout (spec.md §4.3). The returned map has no ordering
// guarantee; a target whose probe did not finish before the batch
// deadline is recorded dead with Source fresh.
func (e *Engine) ProbeBatch(ctx context.Context, targets []Target, opts Options) map[string]Probe {
	opts = opts.withDefaults()

	batchCtx, cancel := context.WithTimeout(ctx, opts.ParallelTimeout)
	defer cancel()

	sem := make(chan struct{}, opts.MaxConcurrency)
	results := make(chan struct {
		link  string
		probe Probe
	}, len(targets))

	for _, tgt := range targets {
		tgt := tgt
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			p := e.Probe(batchCtx, tgt.Link, tgt.Gateway, opts)
			results <- struct {
				link  string
				probe Probe
			}{tgt.Link, p}
		}()
	}

	out := make(map[string]Probe, len(targets))
	for range targets {
		select {
		case r := <-results:
			out[r.link] = r.probe
		case <-batchCtx.Done():
			for _, tgt := range targets {
				if _, ok := out[tgt.Link]; !ok {
					out[tgt.Link] = deadProbe(tgt.Link, tgt.Gateway, SourceFresh)
				}
			}
			return out
		}
	}
	return out
}

// measure runs the full probe procedure of spec.md §4.3: liveness gate,
// latency/loss sample, jitter, and optional MTU discovery.
func (e *Engine) measure(ctx context.Context, link, gateway string, opts Options) Probe {
	if !e.liveness(ctx, link, gateway) {
		return deadProbe(link, gateway, SourceFresh)
	}

	samples := e.pingSamples(ctx, link, gateway, opts.PingCount)
	successes := 0
	var sum float64
	var rtts []float64
	for _, s := range samples {
		if s != nil {
			successes++
			sum += *s
			rtts = append(rtts, *s)
		}
	}

	loss := float64(opts.PingCount-successes) / float64(opts.PingCount) * 100
	if successes == 0 {
		return deadProbe(link, gateway, SourceFresh)
	}

	mean := sum / float64(successes)
	p := Probe{
		Link:       link,
		Gateway:    gateway,
		LatencyMS:  &mean,
		LossPct:    loss,
		MeasuredAt: clock.Now(),
		Source:     SourceFresh,
	}
	if len(rtts) >= 2 {
		j := populationStdDev(rtts)
		p.JitterMS = &j
	}
	if mtu, ok := e.discoverMTU(ctx, link, gateway, opts.ProbeJumbo); ok {
		p.MTU = &mtu
	}
	return p
}

// liveness sends a single ICMP echo with a 1s deadline (the early-exit gate).
func (e *Engine) liveness(ctx context.Context, link, gateway string) bool {
	res, err := e.clk.Run(ctx, time.Second, "ping", "-c", "1", "-W", "1", "-I", link, gateway)
	if err != nil || res.TimedOut {
		return false
	}
	return res.ExitCode == 0
}

var rttRe = regexp.MustCompile(`time=([0-9.]+)\s*ms`)

// pingSamples sends count echoes at a 0.2s interval and returns one *float64
// per attempt (nil on an unanswered echo), preserving ping's own ordering.
func (e *Engine) pingSamples(ctx context.Context, link, gateway string, count int) []*float64 {
	deadline := time.Duration(count)*200*time.Millisecond + 2*time.Second
	res, err := e.clk.Run(ctx, deadline, "ping", "-c", strconv.Itoa(count), "-i", "0.2", "-I", link, gateway)
	samples := make([]*float64, count)
	if err != nil {
		return samples
	}
	matches := rttRe.FindAllStringSubmatch(res.Stdout, -1)
	for i := 0; i < len(matches) && i < count; i++ {
		v, perr := strconv.ParseFloat(matches[i][1], 64)
		if perr == nil {
			samples[i] = &v
		}
	}
	return samples
}

// discoverMTU binary-searches [576, 1500] (or up to 9000 when jumbo is
// enabled) for the largest MTU at which three consecutive "ping -M do"
// probes all succeed.
func (e *Engine) discoverMTU(ctx context.Context, link, gateway string, jumbo bool) (int, bool) {
	lo, hi := 576, 1500
	if jumbo {
		hi = 9000
	}

	best := 0
	found := false
	for lo <= hi {
		mid := (lo + hi) / 2
		if e.mtuOK(ctx, link, gateway, mid) {
			best = mid
			found = true
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best, found
}

func (e *Engine) mtuOK(ctx context.Context, link, gateway string, mtu int) bool {
	if err := util.ValidateMTU(mtu); err != nil {
		return false
	}
	payload := mtu - 28
	if payload <= 0 {
		return false
	}
	for i := 0; i < 3; i++ {
		res, err := e.clk.Run(ctx, time.Second, "ping", "-c", "1", "-M", "do", "-s", strconv.Itoa(payload), "-I", link, gateway)
		if err != nil || res.TimedOut || res.ExitCode != 0 {
			return false
		}
	}
	return true
}

func populationStdDev(values []float64) float64 {
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

func deadProbe(link, gateway string, source Source) Probe {
	return Probe{
		Link:       link,
		Gateway:    gateway,
		LossPct:    100,
		MeasuredAt: clock.Now(),
		Source:     source,
	}
}

// FormatLatency renders latency at the 3-decimal precision spec.md §4.3
// mandates for external emission, or "unreachable" when dead.
func FormatLatency(p Probe) string {
	if p.LatencyMS == nil {
		return "unreachable"
	}
	return fmt.Sprintf("%.3f", *p.LatencyMS)
}

// key formats the in-memory (link, gateway) cache key. The on-disk file
// name is built separately by Cache.fileName as "{link}_{gateway-slug}".
func key(link, gateway string) string {
	return link + "\x00" + gateway
}
