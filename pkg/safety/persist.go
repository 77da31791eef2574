package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/netopt/netopt/pkg/route"
)

// SupervisorState is the on-disk record of an armed watchdog. The
// supervisor process (spec.md §4.8's "supervising timer") writes it so a
// later, independent `netopt watchdog {confirm,cancel,extend,status}`
// invocation -- possibly run long after the original `apply` process has
// exited -- can find and signal it.
type SupervisorState struct {
	PID          int               `json:"pid"`
	ArmedAt      time.Time         `json:"armed_at"`
	Deadline     time.Time         `json:"deadline"`
	TimeoutS     int               `json:"timeout_s"`
	MaxExtendS   int               `json:"max_extend_s"`
	ExtendedS    int               `json:"extended_s"`
	CheckpointID string            `json:"checkpoint_id,omitempty"`
	Backup       route.RouteBackup `json:"backup"`
}

func statePath(stateDir string) string  { return filepath.Join(stateDir, "watchdog.json") }
func extendPath(stateDir string) string { return filepath.Join(stateDir, "watchdog.extend") }

// SaveSupervisorState persists s to stateDir, creating the directory if
// needed.
func SaveSupervisorState(stateDir string, s SupervisorState) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := statePath(stateDir) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, statePath(stateDir))
}

// LoadSupervisorState reads the state file. The bool return is false (with
// a nil error) when no watchdog is currently armed.
func LoadSupervisorState(stateDir string) (SupervisorState, bool, error) {
	raw, err := os.ReadFile(statePath(stateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return SupervisorState{}, false, nil
		}
		return SupervisorState{}, false, err
	}
	var s SupervisorState
	if err := json.Unmarshal(raw, &s); err != nil {
		return SupervisorState{}, false, err
	}
	return s, true, nil
}

// ClearSupervisorState removes the state file; a missing file is not an
// error.
func ClearSupervisorState(stateDir string) error {
	if err := os.Remove(statePath(stateDir)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteExtendRequest drops the requested extension (seconds) where the
// supervisor will find it after being signalled with SIGHUP.
func WriteExtendRequest(stateDir string, seconds int) error {
	return os.WriteFile(extendPath(stateDir), []byte(fmt.Sprintf("%d", seconds)), 0644)
}

// ReadAndClearExtendRequest reads and removes the pending extend request,
// returning 0 if none is present.
func ReadAndClearExtendRequest(stateDir string) int {
	raw, err := os.ReadFile(extendPath(stateDir))
	if err != nil {
		return 0
	}
	os.Remove(extendPath(stateDir))
	var n int
	fmt.Sscanf(string(raw), "%d", &n)
	return n
}
