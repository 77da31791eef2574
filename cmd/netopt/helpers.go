package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-redis/redis/v8"
	"gopkg.in/yaml.v3"

	"github.com/netopt/netopt/pkg/checkpoint"
	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/config"
	"github.com/netopt/netopt/pkg/event"
	"github.com/netopt/netopt/pkg/inventory"
	"github.com/netopt/netopt/pkg/lock"
	"github.com/netopt/netopt/pkg/pipeline"
	"github.com/netopt/netopt/pkg/probe"
	"github.com/netopt/netopt/pkg/route"
	"github.com/netopt/netopt/pkg/util"
)

// loadConfig resolves cfg. Without --config it returns config.Load():
// compiled defaults < system config < user config < env. With --config it
// uses only the compiled defaults overlaid by that one file; the
// system/user files and NETOPT_* environment overrides are not applied.
func loadConfig() (config.Config, error) {
	if configFlag != "" {
		cfg := config.Defaults()
		raw, err := os.ReadFile(configFlag)
		if err != nil {
			return cfg, util.NewStageError(util.ErrConfig, "config load: "+configFlag, 4, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, util.NewStageError(util.ErrConfig, "config parse: "+configFlag, 4, err)
		}
		return cfg, nil
	}
	return config.Load()
}

func lockPath() string        { return filepath.Join(stateDir, "netopt.lock") }
func routeBackupPath() string { return filepath.Join(stateDir, "route-backup") }
func statePath() string       { return filepath.Join(stateDir, "state") }
func checkpointsDir() string  { return filepath.Join(stateDir, "checkpoints") }
func cacheDir() string        { return filepath.Join(stateDir, "cache") }

// buildDeps wires C1-C9 from cfg into the pipeline.Deps bundle every
// mutating verb shares.
func buildDeps(cfg config.Config) pipeline.Deps {
	clk := clock.New()

	inv := inventory.New(clk)
	if cfg.ExcludeInterfaces != "" {
		if re, err := regexp.Compile(cfg.ExcludeInterfaces); err == nil {
			inv.ExcludeInterfaces = re
		}
	}

	return pipeline.Deps{
		Clock:       clk,
		Inventory:   inv,
		Probes:      probe.New(clk, cacheDir()),
		Checkpoints: checkpoint.New(checkpointsDir(), clk, cfg.CheckpointRetention),
		Events:      buildEventSink(),
		Cfg:         cfg,
		NoWatchdog:  noWatchdog,
	}
}

// buildEventSink wires an optional redis mirror (EVENT_REDIS_ADDR), per
// SPEC_FULL.md's domain-stack binding for go-redis. Absence of a
// reachable redis never fails a command; the client is lazy and
// publish errors are logged and swallowed inside pkg/event.
func buildEventSink() *event.Sink {
	addr := os.Getenv("EVENT_REDIS_ADDR")
	if addr == "" {
		return event.New(nil)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return event.New(client)
}

func withLock(fn func() error) error {
	l, err := lock.Acquire(lockPath())
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// writeRouteBackup persists a RouteBackup to stateDir so a later, separate
// `netopt restore` invocation can recover it even if apply's own process
// has long since exited.
func writeRouteBackup(backup route.RouteBackup) error {
	raw, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(routeBackupPath(), raw, 0644)
}

// readRouteBackup loads the last persisted RouteBackup. The bool return is
// false (with a nil error) when no backup has been recorded yet.
func readRouteBackup() (route.RouteBackup, bool, error) {
	raw, err := os.ReadFile(routeBackupPath())
	if err != nil {
		if os.IsNotExist(err) {
			return route.RouteBackup{}, false, nil
		}
		return route.RouteBackup{}, false, err
	}
	var backup route.RouteBackup
	if err := json.Unmarshal(raw, &backup); err != nil {
		return route.RouteBackup{}, false, err
	}
	return backup, true, nil
}
