// Package lock implements the PID-bearing exclusive lock file spec.md §5
// uses to prevent a second concurrent apply on the same host, with stale
// lock reclaim when the owning PID no longer exists.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/netopt/netopt/pkg/util"
)

// Lock holds an acquired lock file; Release removes it.
type Lock struct {
	path string
	file *os.File
}

// Acquire exclusively creates path containing the current PID. If path
// already exists, Acquire checks whether the recorded PID is still
// alive; if not, it reclaims the lock by atomically replacing it.
func Acquire(path string) (*Lock, error) {
	l, err := tryCreate(path)
	if err == nil {
		return l, nil
	}
	if !os.IsExist(err) {
		return nil, util.NewStageError(util.ErrLocked, "lock acquire", 2, err)
	}

	owner, readErr := readPID(path)
	if readErr == nil && pidAlive(owner) {
		return nil, util.NewStageError(util.ErrLocked, "lock acquire", 2, fmt.Errorf("held by pid %d", owner))
	}

	util.WithStage("lock").WithField("stale_pid", owner).Warn("reclaiming stale lock file")
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, util.NewStageError(util.ErrLocked, "lock acquire", 2, rmErr)
	}
	l, err = tryCreate(path)
	if err != nil {
		return nil, util.NewStageError(util.ErrLocked, "lock acquire", 2, err)
	}
	return l, nil
}

func tryCreate(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return &Lock{path: path, file: f}, nil
}

func readPID(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}

// pidAlive reports whether pid is a currently running process. Sending
// signal 0 checks existence without affecting the target.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, os.ErrPermission)
}

// Release closes and removes the lock file.
func (l *Lock) Release() error {
	l.file.Close()
	return os.Remove(l.path)
}
