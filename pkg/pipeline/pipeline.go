// Package pipeline wires C1-C9 into the end-to-end apply flow: inventory,
// pre-flight, probe, optional AS-path annotation, planning, transactional
// route install, post-validation, and watchdog arming. cmd/netopt calls
// into this package rather than gluing the components together itself.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/netopt/netopt/pkg/aspath"
	"github.com/netopt/netopt/pkg/checkpoint"
	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/config"
	"github.com/netopt/netopt/pkg/event"
	"github.com/netopt/netopt/pkg/inventory"
	"github.com/netopt/netopt/pkg/planner"
	"github.com/netopt/netopt/pkg/probe"
	"github.com/netopt/netopt/pkg/route"
	"github.com/netopt/netopt/pkg/safety"
	"github.com/netopt/netopt/pkg/util"
)

// RequiredTools are the external binaries the pipeline shells out to;
// pre-flight refuses to run apply if any are absent from PATH.
var RequiredTools = []string{"ip", "ping"}

// Deps bundles the shared collaborators an Apply invocation needs.
type Deps struct {
	Clock      *clock.Clock
	Inventory  *inventory.Inventory
	Probes     *probe.Engine
	Checkpoints *checkpoint.Store
	Events     *event.Sink
	Cfg        config.Config
	NoWatchdog bool
}

type target struct {
	link inventory.Link
	gw   string
}

// ApplyResult summarizes one apply run for the CLI layer to print.
type ApplyResult struct {
	Plan           planner.Plan
	Transaction    *safety.Transaction
	Watchdog       *safety.Watchdog
	CheckpointID   string
	PostValidate   safety.PostValidateResult
}

// Apply runs the full pipeline: discover links, pre-flight, probe
// gateways, annotate with AS-path intelligence if enabled, score a plan,
// open a transaction, apply, post-validate, and arm the watchdog if the
// session looks remote.
func Apply(ctx context.Context, d Deps) (*ApplyResult, error) {
	links, err := d.Inventory.List(ctx)
	if err != nil {
		return nil, err
	}

	var targets []target
	for _, l := range links {
		gw, ok, err := d.Inventory.Gateway(ctx, l.Name)
		if err != nil || !ok {
			continue
		}
		targets = append(targets, target{link: l, gw: gw})
	}

	if err := safety.PreflightCheck(ctx, d.Clock, links, firstGateway(targets), RequiredTools, true); err != nil {
		return nil, err
	}

	probeTargets := make([]probe.Target, 0, len(targets))
	for _, t := range targets {
		probeTargets = append(probeTargets, probe.Target{Link: t.link.Name, Gateway: t.gw})
	}
	probeOpts := probe.Options{
		PingCount:       d.Cfg.PingCount,
		PingTimeout:     time.Duration(d.Cfg.PingTimeoutMS) * time.Millisecond,
		ProbeJumbo:      d.Cfg.ProbeJumbo,
		CacheTTL:        time.Duration(d.Cfg.CacheTTLSeconds) * time.Second,
		ParallelTimeout: time.Duration(d.Cfg.ParallelTimeoutS) * time.Second,
		MaxConcurrency:  d.Cfg.MaxConcurrency,
	}
	probes := d.Probes.ProbeBatch(ctx, probeTargets, probeOpts)

	var candidates []planner.Candidate
	for _, t := range targets {
		p := probes[t.link.Name]
		var ann *aspath.Annotation
		if d.Cfg.EnableBGP {
			if a, ok := aspath.Annotate(ctx, d.Clock, t.link.Name); ok {
				ann = &a
			}
		}
		candidates = append(candidates, planner.Candidate{
			Link: t.link.Name, Gateway: t.gw, Class: t.link.Class, Probe: p, AS: ann,
		})
	}

	plan := planner.Score(candidates, planner.Config{
		MaxLatency:     d.Cfg.MaxLatency,
		LatencyDivisor: d.Cfg.LatencyDivisor,
		MinWeight:      d.Cfg.MinWeight,
		MaxWeight:      d.Cfg.MaxWeight,
		LossExcludePct: d.Cfg.LossExcludePct,
		EnableBGP:      d.Cfg.EnableBGP,
	})
	if len(plan) == 0 {
		return nil, util.NewStageError(util.ErrApplyFailed, "apply: empty plan", 1, fmt.Errorf("no surviving candidate links"))
	}

	// spec.md §4.6/§8's idempotence law: re-running apply with an
	// identical Plan must settle on the same route set and emit nothing
	// beyond one no-op-equivalence INFO line. Check that ahead of the
	// "plan computed" event and the pre-apply checkpoint, both of which
	// count as the "spurious events" the law forbids on a true no-op.
	preBackup, err := route.CaptureRoutes(ctx, d.Clock)
	if err != nil {
		return nil, err
	}
	if route.PlanMatchesBackup(plan, preBackup) {
		d.Events.Info(event.KindApply, "route unchanged (no-op equivalence)", map[string]any{"entries": len(plan)})
		tx := safety.NewTransaction()
		rollback := func() error { return route.Restore(ctx, d.Clock, preBackup) }
		if err := tx.MarkApplied(preBackup, rollback); err != nil {
			return nil, err
		}
		return &ApplyResult{Plan: plan, Transaction: tx}, nil
	}

	d.Events.Info(event.KindPlan, "plan computed", map[string]any{"entries": len(plan)})

	var checkpointID string
	if d.Cfg.EnableCheckpoints && d.Checkpoints != nil {
		linkNames := make([]string, 0, len(targets))
		for _, t := range targets {
			linkNames = append(linkNames, t.link.Name)
		}
		id, err := checkpoint.Create(ctx, d.Checkpoints, "auto", "pre-apply automatic checkpoint", linkNames)
		if err != nil {
			d.Events.Error(event.KindCheckpoint, "pre-apply checkpoint failed, aborting before any route change", map[string]any{"err": err.Error()})
			return nil, util.NewStageError(util.ErrCheckpoint, "apply: pre-apply checkpoint failed", 5, err)
		}
		checkpointID = id
	}

	tx := safety.NewTransaction()
	backup, err := route.CaptureRoutes(ctx, d.Clock)
	if err != nil {
		return nil, err
	}

	noop, err := route.Apply(ctx, d.Clock, plan)
	if err != nil {
		tx.MarkApplyFailed()
		d.Events.Error(event.KindApply, "apply failed, rolled back", map[string]any{"err": err.Error()})
		return &ApplyResult{Plan: plan, Transaction: tx, CheckpointID: checkpointID}, err
	}

	rollback := func() error { return route.Restore(ctx, d.Clock, backup) }
	if err := tx.MarkApplied(backup, rollback); err != nil {
		return nil, err
	}
	if noop {
		// A route change raced in between the check above and here; still
		// a no-op from this call's point of view.
		d.Events.Info(event.KindApply, "route unchanged (no-op equivalence)", map[string]any{"entries": len(plan)})
	} else {
		d.Events.Info(event.KindApply, "route installed", map[string]any{"entries": len(plan)})
	}

	pv := safety.PostValidate(ctx, d.Clock, plan, false)
	if pv.Fatal() {
		d.Events.Error(event.KindApply, "post-apply validation failed, rolling back", nil)
		if rerr := tx.Reject(); rerr != nil {
			return nil, util.NewStageError(util.ErrPostValidate, "post-validate rollback", 7, rerr)
		}
		return &ApplyResult{Plan: plan, Transaction: tx, CheckpointID: checkpointID, PostValidate: pv},
			util.NewStageError(util.ErrPostValidate, "post-apply validation", 7, fmt.Errorf("route/gateway/canary check failed"))
	}
	if !pv.DNSOK && !pv.DNSSkipped {
		d.Events.Warn(event.KindApply, "post-apply DNS check failed (non-fatal)", nil)
	}

	var wd *safety.Watchdog
	if d.Cfg.EnableWatchdog && !d.NoWatchdog && safety.IsRemoteSession(d.Clock) {
		wd = safety.Arm(d.Clock,
			time.Duration(d.Cfg.WatchdogTimeoutS)*time.Second,
			time.Duration(d.Cfg.MaxWatchdogExtendS)*time.Second,
			backup,
			func(reason string) {
				d.Events.Fatal(event.KindWatchdog, "watchdog fired, rolled back", map[string]any{"reason": reason})
			})
		d.Events.Info(event.KindWatchdog, "watchdog armed", map[string]any{"timeout_s": d.Cfg.WatchdogTimeoutS})
	}

	return &ApplyResult{Plan: plan, Transaction: tx, Watchdog: wd, CheckpointID: checkpointID, PostValidate: pv}, nil
}

func firstGateway(targets []target) string {
	if len(targets) == 0 {
		return ""
	}
	return targets[0].gw
}
