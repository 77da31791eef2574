package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/netopt/netopt/pkg/clock"
)

func TestCreateListDeletePrune(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, clock.New(), 2)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := Create(ctx, s, fmt.Sprintf("test%d", i), "test checkpoint", nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, id)
	}

	metas, err := List(s)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("expected prune to retain 2 checkpoints, got %d", len(metas))
	}

	if err := Delete(s, metas[0].ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := Delete(s, "nonexistent"); err == nil {
		t.Fatal("expected error deleting a missing checkpoint")
	}
}

func TestMetadataChecksumIsStable(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, clock.New(), 10)
	ctx := context.Background()

	id, err := Create(ctx, s, "stable", "desc", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id[:len("stable_")] != "stable_" {
		t.Fatalf("expected id to start with %q, got %q", "stable_", id)
	}

	raw, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if m.Name != "stable" {
		t.Fatalf("expected metadata name %q, got %q", "stable", m.Name)
	}
	if m.Checksum == "" {
		t.Fatal("expected non-empty checksum")
	}
	got, err := checksumFile(filepath.Join(dir, id+".tar.gz"))
	if err != nil {
		t.Fatalf("checksumFile: %v", err)
	}
	if got != m.Checksum {
		t.Fatalf("checksum mismatch: metadata=%s recomputed=%s", m.Checksum, got)
	}
}

func TestCreateCapturesEthtoolSysModuleAndProcNet(t *testing.T) {
	binDir := t.TempDir()
	ethtoolScript := "#!/bin/sh\necho \"fake ethtool output: $@\"\n"
	if err := os.WriteFile(filepath.Join(binDir, "ethtool"), []byte(ethtoolScript), 0755); err != nil {
		t.Fatalf("write fake ethtool: %v", err)
	}
	oldPath := os.Getenv("PATH")
	os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath)
	defer os.Setenv("PATH", oldPath)

	sysRoot := t.TempDir()
	paramDir := filepath.Join(sysRoot, "mod1", "parameters")
	if err := os.MkdirAll(paramDir, 0755); err != nil {
		t.Fatalf("mkdir parameters: %v", err)
	}
	os.WriteFile(filepath.Join(paramDir, "knob"), []byte("5\n"), 0644)
	oldSysModuleRoot := sysModuleRoot
	sysModuleRoot = sysRoot
	defer func() { sysModuleRoot = oldSysModuleRoot }()

	procRoot := t.TempDir()
	os.WriteFile(filepath.Join(procRoot, "dev"), []byte("eth0: 100 0 0\n"), 0644)
	oldProcNetRoot := procNetRoot
	procNetRoot = procRoot
	defer func() { procNetRoot = oldProcNetRoot }()

	dir := t.TempDir()
	s := New(dir, clock.New(), 10)
	id, err := Create(context.Background(), s, "capture", "desc", []string{"eth0"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	extractDir := t.TempDir()
	files, err := extract(s.archivePath(id), extractDir)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	for _, name := range []string{"ethtool-eth0-features.txt", "ethtool-eth0-ring.txt", "ethtool-eth0-coalesce.txt"} {
		content, ok := files[name]
		if !ok {
			t.Fatalf("expected archive to contain %s", name)
		}
		if !strings.Contains(string(content), "fake ethtool output") {
			t.Fatalf("%s: unexpected content %q", name, content)
		}
	}

	sysParams, ok := files["sys-module-parameters.txt"]
	if !ok {
		t.Fatal("expected archive to contain sys-module-parameters.txt")
	}
	if !strings.Contains(string(sysParams), "mod1/knob: 5") {
		t.Fatalf("sys-module-parameters.txt: unexpected content %q", sysParams)
	}

	procNet, ok := files["proc-net.txt"]
	if !ok {
		t.Fatal("expected archive to contain proc-net.txt")
	}
	if !strings.Contains(string(procNet), "=== dev ===") || !strings.Contains(string(procNet), "eth0: 100 0 0") {
		t.Fatalf("proc-net.txt: unexpected content %q", procNet)
	}
}

func TestRestoreAbortsOnMissingMetadata(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, clock.New(), 10)
	if err := Restore(context.Background(), s, clock.New(), "nonexistent"); err == nil {
		t.Fatal("expected Restore to fail for a missing checkpoint id")
	}
}

func TestRestoreAbortsOnUnparseableMetadata(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, clock.New(), 10)
	os.WriteFile(s.metadataPath("bad"), []byte("not json"), 0644)
	os.WriteFile(s.archivePath("bad"), []byte{}, 0644)

	if err := Restore(context.Background(), s, clock.New(), "bad"); err == nil {
		t.Fatal("expected Restore to abort before mutation on unparseable metadata.json")
	}
}
