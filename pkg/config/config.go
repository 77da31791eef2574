// Package config loads netopt's configuration, layering compiled defaults,
// system config, user config, and environment overrides, in that
// precedence order (spec.md §6). There is no CLI-flag layer for config
// keys. It follows the shape of
// the teacher's settings/spec-loader pair: a plain struct, YAML on disk,
// a documented default path, and a merge step rather than a reflective
// binding framework.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/netopt/netopt/pkg/util"
)

// Config holds every key from spec.md §6, YAML-tagged lower_snake_case.
type Config struct {
	PriorityEthernet int `yaml:"priority_ethernet"`
	PriorityWifi     int `yaml:"priority_wifi"`
	PriorityMobile   int `yaml:"priority_mobile"`
	PriorityUnknown  int `yaml:"priority_unknown"`

	MaxLatency float64 `yaml:"max_latency"`

	PingCount       int     `yaml:"ping_count"`
	PingTimeoutMS   int     `yaml:"ping_timeout_ms"`
	ProbeJumbo      bool    `yaml:"probe_jumbo"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
	ParallelTimeoutS int    `yaml:"parallel_timeout_s"`
	MaxConcurrency  int     `yaml:"max_concurrency"`

	MinWeight      int     `yaml:"min_weight"`
	MaxWeight      int     `yaml:"max_weight"`
	LatencyDivisor float64 `yaml:"latency_divisor"`
	LossExcludePct float64 `yaml:"loss_exclude_pct"`

	EnableBGP           bool `yaml:"enable_bgp"`
	EnableCheckpoints   bool `yaml:"enable_checkpoints"`
	CheckpointRetention int  `yaml:"checkpoint_retention"`
	EnableWatchdog      bool `yaml:"enable_watchdog"`
	WatchdogTimeoutS    int  `yaml:"watchdog_timeout_s"`
	MaxWatchdogExtendS  int  `yaml:"max_watchdog_extend_s"`

	TCPCongestionControl string `yaml:"tcp_congestion_control"`
	TCPFastopen           int    `yaml:"tcp_fastopen"`
	RmemMax               int    `yaml:"rmem_max"`
	WmemMax               int    `yaml:"wmem_max"`

	DNSServers []string `yaml:"dns_servers"`

	ExcludeInterfaces string `yaml:"exclude_interfaces"`
}

// Defaults returns the compiled-in defaults, the bottom of the
// precedence chain.
func Defaults() Config {
	return Config{
		PriorityEthernet: 0,
		PriorityWifi:     1,
		PriorityMobile:   2,
		PriorityUnknown:  3,

		MaxLatency: 200,

		PingCount:        2,
		PingTimeoutMS:    1000,
		ProbeJumbo:       false,
		CacheTTLSeconds:  60,
		ParallelTimeoutS: 5,
		MaxConcurrency:   4,

		MinWeight:      1,
		MaxWeight:      20,
		LatencyDivisor: 10,
		LossExcludePct: 75,

		EnableBGP:           false,
		EnableCheckpoints:   true,
		CheckpointRetention: 10,
		EnableWatchdog:      true,
		WatchdogTimeoutS:    300,
		MaxWatchdogExtendS:  1800,

		TCPCongestionControl: "cubic",
		TCPFastopen:          0,
		RmemMax:              0,
		WmemMax:              0,

		DNSServers: nil,

		ExcludeInterfaces: `^lo$|^docker|^veth|^br-|^virbr`,
	}
}

// SystemPath and UserPath are the default config locations (spec.md §6).
func SystemPath() string {
	return "/etc/netopt/netopt.conf"
}

func UserPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/netopt/netopt.conf"
	}
	return filepath.Join(home, ".config", "netopt", "netopt.conf")
}

// Load builds the final Config by layering, in order: compiled defaults,
// system config (if present), user config (if present), environment
// overrides (NETOPT_* prefix). No CLI-flag layer is applied on top; this
// package has no cobra dependency and exposes no per-key override.
func Load() (Config, error) {
	cfg := Defaults()

	if err := mergeFile(&cfg, SystemPath()); err != nil {
		return cfg, err
	}
	if err := mergeFile(&cfg, UserPath()); err != nil {
		return cfg, err
	}
	mergeEnv(&cfg)

	return cfg, nil
}

// mergeFile overlays path's YAML contents onto cfg if the file exists. A
// missing file is not an error; a present-but-unparsable one is
// ErrConfig.
func mergeFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return util.NewStageError(util.ErrConfig, "config load: "+path, 4, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return util.NewStageError(util.ErrConfig, "config parse: "+path, 4, err)
	}
	return nil
}

// envPrefix is the documented environment override prefix (spec.md §6).
const envPrefix = "NETOPT_"

// mergeEnv overlays any NETOPT_<KEY> environment variable whose key
// matches a YAML tag on Config, converting the value to the field's type.
func mergeEnv(cfg *Config) {
	byTag := fieldsByYAMLTag(cfg)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], envPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(parts[0], envPrefix))
		setter, ok := byTag[key]
		if !ok {
			continue
		}
		setter(parts[1])
	}
}

// fieldsByYAMLTag returns a map from each Config field's yaml tag to a
// setter closure, used by both mergeEnv and tests.
func fieldsByYAMLTag(cfg *Config) map[string]func(string) {
	m := map[string]func(string){
		"priority_ethernet": intSetter(&cfg.PriorityEthernet),
		"priority_wifi":     intSetter(&cfg.PriorityWifi),
		"priority_mobile":   intSetter(&cfg.PriorityMobile),
		"priority_unknown":  intSetter(&cfg.PriorityUnknown),
		"max_latency":       floatSetter(&cfg.MaxLatency),
		"ping_count":        intSetter(&cfg.PingCount),
		"ping_timeout_ms":   intSetter(&cfg.PingTimeoutMS),
		"probe_jumbo":       boolSetter(&cfg.ProbeJumbo),
		"cache_ttl_seconds": intSetter(&cfg.CacheTTLSeconds),
		"parallel_timeout_s": intSetter(&cfg.ParallelTimeoutS),
		"max_concurrency":   intSetter(&cfg.MaxConcurrency),
		"min_weight":        intSetter(&cfg.MinWeight),
		"max_weight":        intSetter(&cfg.MaxWeight),
		"latency_divisor":   floatSetter(&cfg.LatencyDivisor),
		"loss_exclude_pct":  floatSetter(&cfg.LossExcludePct),
		"enable_bgp":        boolSetter(&cfg.EnableBGP),
		"enable_checkpoints": boolSetter(&cfg.EnableCheckpoints),
		"checkpoint_retention": intSetter(&cfg.CheckpointRetention),
		"enable_watchdog":   boolSetter(&cfg.EnableWatchdog),
		"watchdog_timeout_s": intSetter(&cfg.WatchdogTimeoutS),
		"max_watchdog_extend_s": intSetter(&cfg.MaxWatchdogExtendS),
		"tcp_congestion_control": stringSetter(&cfg.TCPCongestionControl),
		"tcp_fastopen":      intSetter(&cfg.TCPFastopen),
		"rmem_max":          intSetter(&cfg.RmemMax),
		"wmem_max":          intSetter(&cfg.WmemMax),
		"dns_servers":       csvSetter(&cfg.DNSServers),
		"exclude_interfaces": stringSetter(&cfg.ExcludeInterfaces),
	}
	return m
}

func intSetter(dst *int) func(string) {
	return func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func floatSetter(dst *float64) func(string) {
	return func(v string) {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func boolSetter(dst *bool) func(string) {
	return func(v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func stringSetter(dst *string) func(string) {
	return func(v string) { *dst = v }
}

func csvSetter(dst *[]string) func(string) {
	return func(v string) { *dst = util.SplitCommaSeparated(v) }
}
