package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrNotRunning is returned by Stop when no live daemon owns the pid file.
var ErrNotRunning = errors.New("clawgate is not running")

// ErrAlreadyRunning is returned by Start when the pid file names a live
// process.
var ErrAlreadyRunning = errors.New("clawgate is already running")

// stopGrace is how long Stop waits after SIGTERM before SIGKILL.
const stopGrace = 10 * time.Second

// WritePIDFile records pid at path, creating the directory.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the pid stored at path.
func ReadPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s", path)
	}
	return pid, nil
}

// RemovePIDFile deletes path; a missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ProcessStatus is the result of Status.
type ProcessStatus struct {
	PID int

	// Running is true when the pid file names a live process.
	Running bool

	// Stale is true when the pid file exists but its process is gone.
	Stale bool
}

func (s ProcessStatus) String() string {
	switch {
	case s.Running:
		return fmt.Sprintf("running (pid %d)", s.PID)
	case s.Stale:
		return fmt.Sprintf("stopped (stale pid file for %d)", s.PID)
	}
	return "stopped"
}

// Status inspects the pid file at path.
func Status(path string) (ProcessStatus, error) {
	pid, err := ReadPIDFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ProcessStatus{}, nil
	}
	if err != nil {
		return ProcessStatus{}, err
	}
	if ProcessRunning(pid) {
		return ProcessStatus{PID: pid, Running: true}, nil
	}
	return ProcessStatus{PID: pid, Stale: true}, nil
}

// Start launches exe with args detached from the terminal, appending its
// output to logPath, and records the child pid at pidPath.
func Start(exe string, args []string, pidPath, logPath string) (int, error) {
	st, err := Status(pidPath)
	if err != nil {
		return 0, err
	}
	if st.Running {
		return st.PID, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, st.PID)
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return 0, fmt.Errorf("creating log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", exe, err)
	}
	pid := cmd.Process.Pid
	if err := WritePIDFile(pidPath, pid); err != nil {
		_ = cmd.Process.Kill()
		return 0, err
	}
	_ = cmd.Process.Release()
	return pid, nil
}

// Stop asks the daemon recorded at pidPath to terminate, escalating to a
// kill after the grace period or when ctx ends. The pid file is removed.
func Stop(ctx context.Context, pidPath string) error {
	st, err := Status(pidPath)
	if err != nil {
		return err
	}
	if !st.Running {
		if st.Stale {
			_ = RemovePIDFile(pidPath)
		}
		return ErrNotRunning
	}

	if err := terminate(st.PID); err != nil {
		return fmt.Errorf("signalling pid %d: %w", st.PID, err)
	}

	deadline := time.NewTimer(stopGrace)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for ProcessRunning(st.PID) {
		select {
		case <-tick.C:
		case <-deadline.C:
			_ = kill(st.PID)
			return RemovePIDFile(pidPath)
		case <-ctx.Done():
			_ = kill(st.PID)
			_ = RemovePIDFile(pidPath)
			return ctx.Err()
		}
	}
	return RemovePIDFile(pidPath)
}
