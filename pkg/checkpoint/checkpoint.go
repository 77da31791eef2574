// Package checkpoint implements C7: tar+gzip snapshots of mutable system
// state, content-addressed and retained FIFO, with safe-by-construction
// restore (sysctl keys re-applied one at a time, qdiscs torn down to
// defaults rather than replayed verbatim).
package checkpoint

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/util"
)

const dumpDeadline = 5 * time.Second

// Metadata describes one checkpoint archive. JSON keys follow spec.md §6's
// wire format {id, name, description, created_at_utc, hostname, kernel,
// uid}, plus tool_version and checksum.
type Metadata struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	CreatedAtUTC time.Time `json:"created_at_utc"`
	Hostname     string    `json:"hostname"`
	Kernel       string    `json:"kernel"`
	UID          int       `json:"uid"`
	ToolVersion  string    `json:"tool_version"`
	Checksum     string    `json:"checksum"` // blake2b-256 of the archive payload, hex
}

// Store manages checkpoint archives under a root directory.
type Store struct {
	dir       string
	clk       *clock.Clock
	retention int
}

// New returns a Store rooted at dir, keeping at most retention
// checkpoints (spec.md §6 CHECKPOINT_RETENTION, default 10).
func New(dir string, clk *clock.Clock, retention int) *Store {
	if retention <= 0 {
		retention = 10
	}
	return &Store{dir: dir, clk: clk, retention: retention}
}

func (s *Store) archivePath(id string) string {
	return filepath.Join(s.dir, id+".tar.gz")
}

func (s *Store) metadataPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// dumps is the ordered set of capture commands spec.md §4.7 lists. Each
// entry becomes one file inside the archive. Commands that cannot be
// started (tool absent) or time out are skipped; the archive simply omits
// that file rather than aborting the checkpoint. A command that exits
// non-zero still has its stdout archived.
func dumps() []struct{ name, cmd string; args []string } {
	return []struct {
		name string
		cmd  string
		args []string
	}{
		{"addresses.txt", "ip", []string{"address", "show"}},
		{"routes.txt", "ip", []string{"route", "show", "table", "all"}},
		{"links.txt", "ip", []string{"link", "show"}},
		{"tc.txt", "tc", []string{"-s", "qdisc", "show"}},
		{"sysctl.txt", "sysctl", []string{"-a"}},
		{"lsmod.txt", "lsmod", nil},
		{"systemd-units.txt", "systemctl", []string{"list-units", "--type=service", "--no-pager"}},
		{"iptables.txt", "iptables-save", nil},
		{"nft.txt", "nft", []string{"list", "ruleset"}},
		{"firewalld.txt", "firewall-cmd", []string{"--list-all-zones"}},
	}
}

// ethtoolDumps returns the per-link feature/ring/coalesce capture commands
// spec.md §4.7 names ("per-link ethtool features/ring/coalesce
// (best-effort)"), one file per (link, ethtool flag) pair. A link whose
// driver doesn't support a given flag simply omits that file, matching
// the "best-effort" wording.
func ethtoolDumps(links []string) []struct{ name, cmd string; args []string } {
	flags := []struct{ suffix, flag string }{
		{"features", "-k"},
		{"ring", "-g"},
		{"coalesce", "-c"},
	}
	var out []struct{ name, cmd string; args []string }
	for _, link := range links {
		for _, f := range flags {
			out = append(out, struct{ name, cmd string; args []string }{
				name: fmt.Sprintf("ethtool-%s-%s.txt", link, f.suffix),
				cmd:  "ethtool",
				args: []string{f.flag, link},
			})
		}
	}
	return out
}

// sysModuleRoot and procNetRoot are vars so tests can point them at a
// scratch tree instead of the live kernel's /sys and /proc.
var (
	sysModuleRoot = "/sys/module"
	procNetRoot   = "/proc/net"
)

// procNetFiles are the per-protocol statistics files spec.md §4.7 names
// ("/proc/net/* statistics"). Each is read directly rather than shelled
// out to `cat`, the same direct-sysfs-read style pkg/inventory uses for
// /sys/class/net.
var procNetFiles = []string{"dev", "route", "arp", "snmp", "netstat", "tcp", "udp", "tcp6", "udp6"}

// captureSysModuleParameters sweeps every loaded module's
// /sys/module/<mod>/parameters/<param> leaf (spec.md §4.7:
// "/sys/module/*/parameters/*") into one text blob, one
// "<mod>/<param>: <value>" line per parameter. A module with no readable
// parameters directory is skipped, not fatal to the sweep.
func captureSysModuleParameters() ([]byte, bool) {
	mods, err := os.ReadDir(sysModuleRoot)
	if err != nil {
		return nil, false
	}
	var sb strings.Builder
	for _, m := range mods {
		paramDir := filepath.Join(sysModuleRoot, m.Name(), "parameters")
		params, err := os.ReadDir(paramDir)
		if err != nil {
			continue
		}
		for _, p := range params {
			data, err := os.ReadFile(filepath.Join(paramDir, p.Name()))
			if err != nil {
				continue
			}
			fmt.Fprintf(&sb, "%s/%s: %s\n", m.Name(), p.Name(), strings.TrimSpace(string(data)))
		}
	}
	if sb.Len() == 0 {
		return nil, false
	}
	return []byte(sb.String()), true
}

// captureProcNet concatenates procNetFiles into one text blob, each
// section headed by its filename, so the archive carries the per-protocol
// statistics spec.md §4.7 lists without one tar entry per file.
func captureProcNet() ([]byte, bool) {
	var sb strings.Builder
	for _, name := range procNetFiles {
		data, err := os.ReadFile(filepath.Join(procNetRoot, name))
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "=== %s ===\n%s\n", name, data)
	}
	if sb.Len() == 0 {
		return nil, false
	}
	return []byte(sb.String()), true
}

// utcTimestampFormat is the id suffix format: sortable, filesystem-safe,
// second-resolution UTC (spec.md §3: "<name>_<utc-timestamp>").
const utcTimestampFormat = "20060102T150405Z"

// Create captures system state into a new archive named `<name>_<utc-
// timestamp>` (spec.md §3, §4.7), writes its metadata to `<id>.json`
// beside the archive, and prunes to
// retention. links names the interfaces to capture per-link ethtool
// state for; pass nil when that detail isn't available (the sweep is
// best-effort either way).
func Create(ctx context.Context, s *Store, name, description string, links []string) (string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", util.NewStageError(util.ErrCheckpoint, "checkpoint create", 5, err)
	}

	id := fmt.Sprintf("%s_%s", name, time.Now().UTC().Format(utcTimestampFormat))
	archivePath := s.archivePath(id)

	f, err := os.Create(archivePath)
	if err != nil {
		return "", util.NewStageError(util.ErrCheckpoint, "checkpoint create", 5, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for _, d := range dumps() {
		res, err := s.clk.Run(ctx, dumpDeadline, d.cmd, d.args...)
		if err != nil || res.TimedOut {
			util.WithStage("checkpoint").WithField("dump", d.name).Warn("capture unavailable, omitting from archive")
			continue
		}
		if err := writeTarEntry(tw, d.name, []byte(res.Stdout)); err != nil {
			return "", util.NewStageError(util.ErrCheckpoint, "checkpoint create", 5, err)
		}
	}

	for _, d := range ethtoolDumps(links) {
		res, err := s.clk.Run(ctx, dumpDeadline, d.cmd, d.args...)
		if err != nil || res.TimedOut || res.ExitCode != 0 {
			util.WithStage("checkpoint").WithField("dump", d.name).Debug("ethtool capture unavailable, omitting (best-effort)")
			continue
		}
		if err := writeTarEntry(tw, d.name, []byte(res.Stdout)); err != nil {
			return "", util.NewStageError(util.ErrCheckpoint, "checkpoint create", 5, err)
		}
	}

	if content, ok := captureSysModuleParameters(); ok {
		if err := writeTarEntry(tw, "sys-module-parameters.txt", content); err != nil {
			return "", util.NewStageError(util.ErrCheckpoint, "checkpoint create", 5, err)
		}
	}
	if content, ok := captureProcNet(); ok {
		if err := writeTarEntry(tw, "proc-net.txt", content); err != nil {
			return "", util.NewStageError(util.ErrCheckpoint, "checkpoint create", 5, err)
		}
	}

	if err := tw.Close(); err != nil {
		return "", util.NewStageError(util.ErrCheckpoint, "checkpoint create", 5, err)
	}
	if err := gz.Close(); err != nil {
		return "", util.NewStageError(util.ErrCheckpoint, "checkpoint create", 5, err)
	}
	if err := f.Close(); err != nil {
		return "", util.NewStageError(util.ErrCheckpoint, "checkpoint create", 5, err)
	}

	checksum, err := checksumFile(archivePath)
	if err != nil {
		return "", util.NewStageError(util.ErrCheckpoint, "checkpoint create", 5, err)
	}

	host, _ := os.Hostname()
	meta := Metadata{
		ID:           id,
		Name:         name,
		Description:  description,
		CreatedAtUTC: time.Now().UTC(),
		Hostname:     host,
		Kernel:       kernelVersion(ctx, s.clk),
		UID:          os.Getuid(),
		ToolVersion:  "netopt",
		Checksum:     checksum,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", util.NewStageError(util.ErrCheckpoint, "checkpoint create", 5, err)
	}
	if err := os.WriteFile(s.metadataPath(id), metaBytes, 0644); err != nil {
		return "", util.NewStageError(util.ErrCheckpoint, "checkpoint create", 5, err)
	}

	if err := prune(s); err != nil {
		util.WithStage("checkpoint").WithField("err", err).Warn("prune after create failed")
	}
	return id, nil
}

// writeTarEntry writes one in-memory capture as a tar entry.
func writeTarEntry(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

// kernelVersion shells out to `uname -r`, returning "" when unavailable
// rather than failing the checkpoint over a cosmetic metadata field.
func kernelVersion(ctx context.Context, clk *clock.Clock) string {
	res, err := clk.Run(ctx, dumpDeadline, "uname", "-r")
	if err != nil || res.TimedOut || res.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// List returns every checkpoint's metadata, newest first.
func List(s *Store) ([]Metadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, util.NewStageError(util.ErrCheckpoint, "checkpoint list", 5, err)
	}
	var metas []Metadata
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var m Metadata
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAtUTC.After(metas[j].CreatedAtUTC) })
	return metas, nil
}

// Delete removes a checkpoint's archive and metadata. Deleting a missing
// id is an error (spec.md §4.7).
func Delete(s *Store, id string) error {
	if _, err := os.Stat(s.metadataPath(id)); err != nil {
		return util.NewStageError(util.ErrCheckpoint, "checkpoint delete", 5, fmt.Errorf("checkpoint %q not found", id))
	}
	os.Remove(s.archivePath(id))
	os.Remove(s.metadataPath(id))
	return nil
}

// prune keeps only the newest s.retention checkpoints (FIFO by creation
// timestamp).
func prune(s *Store) error {
	metas, err := List(s)
	if err != nil {
		return err
	}
	if len(metas) <= s.retention {
		return nil
	}
	for _, m := range metas[s.retention:] {
		if err := Delete(s, m.ID); err != nil {
			return err
		}
	}
	return nil
}

// Prune is the exported form of prune, for direct invocation (spec.md
// §4.7's "prune()" operation).
func Prune(s *Store) error {
	return prune(s)
}

// extractionRoot creates a fresh, owner-exclusive (0700) directory under
// the OS temp root and returns its path, per spec.md §4.7's restore safety
// requirement.
func extractionRoot() (string, error) {
	base := os.TempDir()
	dir, err := os.MkdirTemp(base, "netopt-checkpoint-*")
	if err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// Restore extracts checkpoint id and re-applies its sysctl keys. The root
// qdisc on known interfaces is deleted, leaving the kernel's default
// qdisc, rather than replayed verbatim; link state and interface features
// are logged for manual review, never executed automatically.
func Restore(ctx context.Context, s *Store, clk *clock.Clock, id string) error {
	metaRaw, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		return util.NewStageError(util.ErrCheckpoint, "checkpoint restore", 5, fmt.Errorf("checkpoint %q not found", id))
	}
	var meta Metadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return util.NewStageError(util.ErrCheckpoint, "checkpoint restore", 5, fmt.Errorf("metadata.json unreadable, aborting before mutation: %w", err))
	}

	dir, err := extractionRoot()
	if err != nil {
		return util.NewStageError(util.ErrCheckpoint, "checkpoint restore", 5, err)
	}
	defer os.RemoveAll(dir)

	files, err := extract(s.archivePath(id), dir)
	if err != nil {
		return util.NewStageError(util.ErrCheckpoint, "checkpoint restore", 5, err)
	}

	if raw, ok := files["sysctl.txt"]; ok {
		restoreSysctl(ctx, clk, raw)
	}
	resetKnownQdiscs(ctx, clk)
	util.WithStage("checkpoint").Info("interface feature restoration is advisory only; review ethtool settings manually")
	return nil
}

func extract(archivePath, destDir string) (map[string][]byte, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	out := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := filepath.Base(hdr.Name) // never trust archive-supplied paths
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(destDir, name), content, 0644); err != nil {
			return nil, err
		}
		out[name] = content
	}
	return out, nil
}

// restoreSysctl re-applies every "key = value" line under net.* found in
// the captured sysctl dump, key-by-key (spec.md §4.7 restore scope).
func restoreSysctl(ctx context.Context, clk *clock.Clock, dump []byte) {
	for _, line := range strings.Split(string(dump), "\n") {
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if !strings.HasPrefix(key, "net.") {
			continue
		}
		if _, err := clk.Run(ctx, dumpDeadline, "sysctl", "-w", fmt.Sprintf("%s=%s", key, val)); err != nil {
			util.WithStage("checkpoint").WithField("key", key).Warn("failed to restore sysctl key")
		}
	}
}

// resetKnownQdiscs tears down qdiscs on discoverable interfaces back to
// kernel defaults, rather than replaying a captured qdisc verbatim —
// kernel-accepted tc syntax varies across versions, so exactness is
// explicitly not attempted (spec.md §4.7).
func resetKnownQdiscs(ctx context.Context, clk *clock.Clock) {
	res, err := clk.Run(ctx, dumpDeadline, "ip", "-o", "link", "show")
	if err != nil {
		return
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if name == "" || name == "lo" {
			continue
		}
		if _, err := clk.Run(ctx, dumpDeadline, "tc", "qdisc", "del", "dev", name, "root"); err != nil {
			util.WithStage("checkpoint").WithField("link", name).Debug("no qdisc to reset or reset failed, skipping")
		}
	}
}
