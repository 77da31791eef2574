// Package route implements C6: default-route capture, ECMP install, and
// rollback, plus the TCP sysctl profile and resolver-file side channels
// spec.md §4.6 bundles into the same applicator.
package route

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/planner"
	"github.com/netopt/netopt/pkg/util"
)

const (
	ipDeadline   = 3 * time.Second
	clearRetries = 10
)

// resolverPath and dnsmasqPidGlob are vars rather than consts so tests can
// point them at a scratch directory instead of the live system resolver.
var (
	resolverPath   = "/etc/resolv.conf"
	dnsmasqPidGlob = "/var/run/dnsmasq*.pid"
)

// RouteBackup is a capture of the default-route spec(s) in effect at one
// moment, as the raw lines `ip route show default` printed.
type RouteBackup struct {
	Lines []string
}

// routeTokenWhitelist is the set of tokens a restored default-route line
// may contain after the leading "default" (spec.md §4.6 restore
// semantics). Anything else causes that line to be skipped rather than
// executed, so a corrupted backup can never smuggle an arbitrary argv
// token into exec.
var routeTokenWhitelist = map[string]bool{
	"via": true, "dev": true, "scope": true, "proto": true, "metric": true, "src": true,
}

// CaptureRoutes snapshots the current default route(s).
func CaptureRoutes(ctx context.Context, clk *clock.Clock) (RouteBackup, error) {
	res, err := clk.Run(ctx, ipDeadline, "ip", "route", "show", "default")
	if err != nil || res.TimedOut {
		return RouteBackup{}, util.NewStageError(util.ErrCannotClear, "route backup", 1, err)
	}
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(res.Stdout))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return RouteBackup{Lines: lines}, nil
}

// clearDefaultRoutes repeatedly deletes the default route until the
// kernel reports none remain, up to clearRetries iterations (spec.md
// §4.6 algorithm step 2).
func clearDefaultRoutes(ctx context.Context, clk *clock.Clock) error {
	for i := 0; i < clearRetries; i++ {
		res, err := clk.Run(ctx, ipDeadline, "ip", "route", "show", "default")
		if err != nil {
			return err
		}
		if strings.TrimSpace(res.Stdout) == "" {
			return nil
		}
		if _, err := clk.Run(ctx, ipDeadline, "ip", "route", "del", "default"); err != nil {
			return err
		}
	}
	res, err := clk.Run(ctx, ipDeadline, "ip", "route", "show", "default")
	if err == nil && strings.TrimSpace(res.Stdout) == "" {
		return nil
	}
	return util.ErrCannotClear
}

// nexthopArgs builds the argv tokens for one ECMP nexthop segment.
func nexthopArgs(e planner.Entry) []string {
	return []string{"nexthop", "via", e.Gateway, "dev", e.Link, "weight", fmt.Sprintf("%d", e.Weight)}
}

// routeTriple is one comparable (gateway, link, weight) next-hop, either
// proposed by a Plan or parsed back out of a captured default-route
// backup.
type routeTriple struct {
	gateway string
	link    string
	weight  int
}

// planTriples converts a Plan to the comparable form planMatchesBackup
// diffs against the currently-installed route set.
func planTriples(plan planner.Plan) []routeTriple {
	out := make([]routeTriple, len(plan))
	for i, e := range plan {
		out[i] = routeTriple{gateway: e.Gateway, link: e.Link, weight: e.Weight}
	}
	return out
}

// parseRouteTriples extracts every (gateway, dev, weight) next-hop out of
// captured "ip route show default" lines. It tolerates both renderings
// iproute2 uses for a multipath default route: every hop inline on the
// "default ..." line, or one "nexthop ..." line per hop. A hop with no
// explicit "weight" token (the single, non-ECMP case) defaults to 1, the
// kernel's own implicit weight.
func parseRouteTriples(lines []string) []routeTriple {
	var out []routeTriple
	for _, line := range lines {
		tokens := strings.Fields(line)
		for i := 0; i < len(tokens); i++ {
			if tokens[i] != "via" || i+1 >= len(tokens) {
				continue
			}
			t := routeTriple{gateway: tokens[i+1], weight: 1}
			for j := i + 2; j < len(tokens); {
				switch tokens[j] {
				case "dev":
					if j+1 < len(tokens) {
						t.link = tokens[j+1]
					}
					j += 2
				case "weight":
					if j+1 < len(tokens) {
						fmt.Sscanf(tokens[j+1], "%d", &t.weight)
					}
					j += 2
				case "via", "nexthop":
					j = len(tokens) // next hop starts here, stop scanning this one
				default:
					j++
				}
			}
			out = append(out, t)
		}
	}
	return out
}

// PlanMatchesBackup reports whether backup already encodes exactly the
// next-hop set plan proposes, order-independent (spec.md §4.6's
// idempotence law: "re-running apply with an identical Plan ... must
// produce the same final route set"). Exported so callers can check
// ahead of a full Apply and skip pre-apply side effects (checkpoints,
// "plan computed" events) that the law says a true no-op shouldn't emit.
func PlanMatchesBackup(plan planner.Plan, backup RouteBackup) bool {
	installed := parseRouteTriples(backup.Lines)
	want := planTriples(plan)
	if len(installed) != len(want) {
		return false
	}
	remaining := make(map[routeTriple]int, len(want))
	for _, t := range want {
		remaining[t]++
	}
	for _, t := range installed {
		remaining[t]--
		if remaining[t] < 0 {
			return false
		}
	}
	for _, n := range remaining {
		if n != 0 {
			return false
		}
	}
	return true
}

// Apply installs plan as the new default route. The caller must already
// hold an open transaction (spec.md §4.6: "must be called inside a
// transaction"). On any installation failure, Apply restores from the
// backup taken at its own step 1 before returning ErrApplyFailed.
//
// If the currently-installed default route already matches plan exactly
// (spec.md §4.6/§8's idempotence law), Apply skips the clear+install and
// returns noop=true so the caller can emit the single no-op-equivalence
// event the law requires instead of the usual "route installed" one.
func Apply(ctx context.Context, clk *clock.Clock, plan planner.Plan) (noop bool, err error) {
	if len(plan) == 0 {
		return false, util.NewStageError(util.ErrApplyFailed, "route apply", 1, fmt.Errorf("empty plan"))
	}

	backup, err := CaptureRoutes(ctx, clk)
	if err != nil {
		return false, err
	}

	if PlanMatchesBackup(plan, backup) {
		return true, nil
	}

	if err := clearDefaultRoutes(ctx, clk); err != nil {
		return false, util.NewStageError(util.ErrCannotClear, "route apply: clear", 1, err)
	}

	args := []string{"route", "add", "default"}
	// Every plan entry, the first included, is one "nexthop" block of the
	// kernel's multipath syntax.
	for _, e := range plan {
		args = append(args, nexthopArgs(e)...)
	}

	res, err := clk.Run(ctx, ipDeadline, "ip", args...)
	if err != nil || res.TimedOut || res.ExitCode != 0 {
		util.WithStage("apply").WithField("stderr", res.Stderr).Error("route install failed, restoring backup")
		if rerr := Restore(ctx, clk, backup); rerr != nil {
			return false, util.NewStageError(util.ErrApplyFailed, "route apply: restore after failure", 1, rerr)
		}
		return false, util.NewStageError(util.ErrApplyFailed, "route apply", 1, err)
	}
	return false, nil
}

// Restore clears current default routes and reinstalls each backed-up
// entry, re-validating every line against routeTokenWhitelist first.
func Restore(ctx context.Context, clk *clock.Clock, backup RouteBackup) error {
	if err := clearDefaultRoutes(ctx, clk); err != nil {
		return util.NewStageError(util.ErrCannotClear, "route restore: clear", 1, err)
	}
	for _, line := range backup.Lines {
		tokens := strings.Fields(line)
		if len(tokens) == 0 || tokens[0] != "default" {
			util.WithStage("restore").WithField("line", line).Warn("skipping malformed backup entry")
			continue
		}
		if !validTokens(tokens[1:]) {
			util.WithStage("restore").WithField("line", line).Warn("skipping backup entry with disallowed token")
			continue
		}
		args := append([]string{"route", "add"}, tokens...)
		if res, err := clk.Run(ctx, ipDeadline, "ip", args...); err != nil || res.ExitCode != 0 {
			util.WithStage("restore").WithField("line", line).WithField("err", err).Warn("failed to reinstall backup entry")
		}
	}
	return nil
}

// validTokens checks that every flag token in a restored route line
// (i.e. every other token starting at index 0: via, dev, scope, ...)
// belongs to the documented whitelist. Values (addresses, names) are not
// checked against the whitelist, only the flag keywords that precede
// them, matching spec.md's "tokens in {via, dev, scope, proto, metric,
// src}" wording.
func validTokens(tokens []string) bool {
	for i := 0; i < len(tokens); i += 2 {
		if !routeTokenWhitelist[tokens[i]] {
			return false
		}
	}
	return true
}

// SysctlProfile names a TCP tuning profile applied by tune_sysctl.
type SysctlProfile struct {
	Values map[string]string
}

// SysctlBackup carries the prior value of every key tune_sysctl touched,
// so it can be undone key-by-key.
type SysctlBackup struct {
	Previous map[string]string
}

// TuneSysctl applies profile, recording the previous value of each key
// first.
func TuneSysctl(ctx context.Context, clk *clock.Clock, profile SysctlProfile) (SysctlBackup, error) {
	prev := make(map[string]string, len(profile.Values))
	for key, val := range profile.Values {
		res, err := clk.Run(ctx, ipDeadline, "sysctl", "-n", key)
		if err == nil && res.ExitCode == 0 {
			prev[key] = strings.TrimSpace(res.Stdout)
		}
		if _, err := clk.Run(ctx, ipDeadline, "sysctl", "-w", fmt.Sprintf("%s=%s", key, val)); err != nil {
			return SysctlBackup{Previous: prev}, util.NewStageError(util.ErrApplyFailed, "tune_sysctl", 1, err)
		}
	}
	return SysctlBackup{Previous: prev}, nil
}

// RestoreSysctl reapplies every previously-recorded key/value pair.
func RestoreSysctl(ctx context.Context, clk *clock.Clock, backup SysctlBackup) {
	for key, val := range backup.Previous {
		if _, err := clk.Run(ctx, ipDeadline, "sysctl", "-w", fmt.Sprintf("%s=%s", key, val)); err != nil {
			util.WithStage("restore").WithField("key", key).WithField("err", err).Warn("failed to restore sysctl key")
		}
	}
}

// DnsBackup records the resolver file content configure_dns overwrote, so
// it can be put back verbatim.
type DnsBackup struct {
	Previous []byte
}

// ConfigureDNS writes servers into the resolver file, unless it is a
// symlink (system-managed) or a local resolver is active, in which case
// it is skipped and the reason is logged rather than returned as an
// error (spec.md §4.6).
func ConfigureDNS(ctx context.Context, clk *clock.Clock, servers []string) (*DnsBackup, error) {
	if info, err := os.Lstat(resolverPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		util.WithStage("dns").Info("resolv.conf is a symlink, skipping: system-managed")
		return nil, nil
	}
	if matches, _ := filepath.Glob(dnsmasqPidGlob); len(matches) > 0 {
		util.WithStage("dns").Info("local resolver active, skipping resolv.conf write")
		return nil, nil
	}

	prev, err := os.ReadFile(resolverPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, util.NewStageError(util.ErrApplyFailed, "configure_dns", 1, err)
	}

	var sb strings.Builder
	for _, s := range servers {
		fmt.Fprintf(&sb, "nameserver %s\n", s)
	}
	if err := os.WriteFile(resolverPath, []byte(sb.String()), 0644); err != nil {
		return nil, util.NewStageError(util.ErrApplyFailed, "configure_dns", 1, err)
	}
	return &DnsBackup{Previous: prev}, nil
}

// RestoreDNS writes back the resolver file content from a DnsBackup.
func RestoreDNS(backup *DnsBackup) error {
	if backup == nil {
		return nil
	}
	return os.WriteFile(resolverPath, backup.Previous, 0644)
}
