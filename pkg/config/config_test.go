package config

import (
	"os"
	"testing"
)

func TestDefaultsMatchSpecValues(t *testing.T) {
	d := Defaults()
	if d.MaxLatency != 200 || d.LatencyDivisor != 10 {
		t.Fatalf("unexpected weight defaults: %+v", d)
	}
	if d.MinWeight != 1 || d.MaxWeight != 20 {
		t.Fatalf("unexpected min/max weight defaults: %+v", d)
	}
	if d.LossExcludePct != 75 {
		t.Fatalf("unexpected loss exclude default: %v", d.LossExcludePct)
	}
	if d.WatchdogTimeoutS != 300 || d.MaxWatchdogExtendS != 1800 {
		t.Fatalf("unexpected watchdog defaults: %+v", d)
	}
	if d.CheckpointRetention != 10 {
		t.Fatalf("unexpected checkpoint retention default: %v", d.CheckpointRetention)
	}
}

func TestMergeFileOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/netopt.conf"
	os.WriteFile(path, []byte("max_latency: 150\nenable_bgp: true\n"), 0644)

	cfg := Defaults()
	if err := mergeFile(&cfg, path); err != nil {
		t.Fatalf("mergeFile: %v", err)
	}
	if cfg.MaxLatency != 150 {
		t.Fatalf("max_latency = %v, want 150", cfg.MaxLatency)
	}
	if !cfg.EnableBGP {
		t.Fatal("expected enable_bgp to be overridden to true")
	}
	if cfg.MinWeight != 1 {
		t.Fatalf("unrelated field min_weight should remain default, got %v", cfg.MinWeight)
	}
}

func TestMergeFileMissingIsNotError(t *testing.T) {
	cfg := Defaults()
	if err := mergeFile(&cfg, "/no/such/path/netopt.conf"); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
}

func TestMergeFileUnparseableIsConfigError(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/netopt.conf"
	os.WriteFile(path, []byte("::: not yaml :::"), 0644)

	cfg := Defaults()
	if err := mergeFile(&cfg, path); err == nil {
		t.Fatal("expected unparsable config to error")
	}
}

func TestMergeEnvOverridesTypedFields(t *testing.T) {
	cfg := Defaults()
	os.Setenv("NETOPT_MAX_LATENCY", "99.5")
	os.Setenv("NETOPT_ENABLE_WATCHDOG", "false")
	os.Setenv("NETOPT_DNS_SERVERS", "1.1.1.1, 9.9.9.9")
	defer func() {
		os.Unsetenv("NETOPT_MAX_LATENCY")
		os.Unsetenv("NETOPT_ENABLE_WATCHDOG")
		os.Unsetenv("NETOPT_DNS_SERVERS")
	}()

	mergeEnv(&cfg)

	if cfg.MaxLatency != 99.5 {
		t.Fatalf("MaxLatency = %v, want 99.5", cfg.MaxLatency)
	}
	if cfg.EnableWatchdog {
		t.Fatal("expected enable_watchdog to be overridden to false")
	}
	if len(cfg.DNSServers) != 2 || cfg.DNSServers[0] != "1.1.1.1" {
		t.Fatalf("unexpected DNSServers: %v", cfg.DNSServers)
	}
}

func TestPrecedenceEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/netopt.conf"
	os.WriteFile(path, []byte("max_latency: 150\n"), 0644)

	cfg := Defaults()
	mergeFile(&cfg, path)
	os.Setenv("NETOPT_MAX_LATENCY", "75")
	defer os.Unsetenv("NETOPT_MAX_LATENCY")
	mergeEnv(&cfg)

	if cfg.MaxLatency != 75 {
		t.Fatalf("env should win over file: got %v", cfg.MaxLatency)
	}
}
