// Package restart implements the self-restart flow: the primary agent
// writes a continuation marker, the running server is terminated, the
// start script is respawned detached, and the next boot resumes the
// conversation from the marker.
package restart

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/fstore"
	"github.com/aide-sh/aide/pkg/logger"
)

// TerminateGrace is how long the old process gets to exit after SIGTERM
// before SIGKILL.
const TerminateGrace = 10 * time.Second

// Marker is the continuation file written before the restart.
type Marker struct {
	SessionID          string    `json:"session_id"`
	RestartTime        time.Time `json:"restart_time"`
	Reason             string    `json:"reason"`
	MessageCount       int       `json:"message_count"`
	ContinuationPrompt string    `json:"continuation_prompt"`
}

// Manager drives the restart flow around the marker file at path.
type Manager struct {
	store *fstore.Store
	path  string
}

// NewManager wires a Manager over the marker path.
func NewManager(path string, store *fstore.Store) *Manager {
	return &Manager{store: store, path: path}
}

// WriteMarker persists the continuation marker.
func (m *Manager) WriteMarker(marker Marker) error {
	if marker.SessionID == "" {
		return errors.New("continuation marker needs a session id")
	}
	if marker.RestartTime.IsZero() {
		marker.RestartTime = time.Now().UTC()
	}
	return m.store.Save(m.path, marker)
}

// ConsumeMarker returns the marker if present and deletes it, so a resume
// happens at most once per restart.
func (m *Manager) ConsumeMarker() (*Marker, bool, error) {
	if _, err := os.Stat(m.path); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to stat continuation marker")
	}

	var marker Marker
	if err := m.store.Load(m.path, &marker); err != nil {
		return nil, false, err
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return nil, false, errors.Wrap(err, "failed to remove continuation marker")
	}
	if marker.SessionID == "" {
		// Corrupt marker already logged by the store; nothing to resume.
		return nil, false, nil
	}
	return &marker, true, nil
}

// Terminate sends SIGTERM to pid and escalates to SIGKILL when the process
// is still alive after the grace period.
func Terminate(ctx context.Context, pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return errors.Wrapf(err, "process %d not found", pid)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return errors.Wrapf(err, "failed to signal process %d", pid)
	}

	deadline := time.After(TerminateGrace)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Signal 0 probes liveness without delivering anything.
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				return nil
			}
		case <-deadline:
			logger.G(ctx).WithField("pid", pid).Warn("process ignored SIGTERM, killing")
			if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return errors.Wrapf(err, "failed to kill process %d", pid)
			}
			return nil
		}
	}
}

// SpawnDetached starts the server start script in its own session with
// output redirected to logPath, so it survives this process exiting.
func SpawnDetached(ctx context.Context, script, logPath string) error {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open restart log")
	}
	defer logFile.Close()

	cmd := exec.Command(script)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to spawn %s", script)
	}
	logger.G(ctx).WithFields(map[string]any{"script": script, "pid": cmd.Process.Pid}).
		Info("spawned detached server process")
	// The child is intentionally not waited on; init adopts it.
	return cmd.Process.Release()
}
