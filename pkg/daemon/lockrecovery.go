package daemon

import (
	"os"
	"path/filepath"

	"github.com/jamesainslie/replica/pkg/replica/logging"
)

// RecoverFromStaleDaemon removes the PID file, socket and history database
// lock left behind by a daemon that died without cleaning up.
// Returns nil if cleanup succeeded or wasn't needed.
// Returns ErrDaemonAlreadyRunning if a daemon is actually running.
func RecoverFromStaleDaemon(pidPath, socketPath, historyPath string) error {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return nil //nolint:nilerr // missing or invalid PID file means nothing to recover
	}

	if IsProcessRunning(pid) {
		return ErrDaemonAlreadyRunning
	}

	log := logging.Get("daemon")
	log.Warn("cleaning up stale daemon files", "stale_pid", pid)

	_ = os.Remove(pidPath)
	_ = os.Remove(socketPath)
	if historyPath != "" {
		_ = os.Remove(filepath.Join(historyPath, "LOCK"))
	}

	return nil
}
