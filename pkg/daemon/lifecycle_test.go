package daemon_test

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/replica/pkg/daemon"
)

const deadPID = 999999999

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestPIDFile(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "run", "replica.pid")

	assert.False(t, daemon.IsDaemonRunning(pidPath), "no PID file")

	require.NoError(t, daemon.WritePIDFile(pidPath))
	pid, err := daemon.ReadPIDFile(pidPath)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, daemon.IsDaemonRunning(pidPath))

	writeFile(t, pidPath, strconv.Itoa(deadPID))
	assert.False(t, daemon.IsDaemonRunning(pidPath), "PID of a dead process")

	require.NoError(t, daemon.RemovePIDFile(pidPath))
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
}

func TestIsProcessRunning(t *testing.T) {
	assert.True(t, daemon.IsProcessRunning(os.Getpid()))
	assert.False(t, daemon.IsProcessRunning(deadPID))
	assert.False(t, daemon.IsProcessRunning(0))
}

func TestRecoverFromStaleDaemon(t *testing.T) {
	type paths struct{ pid, socket, history, lock string }
	setup := func(t *testing.T) paths {
		dir := t.TempDir()
		p := paths{
			pid:     filepath.Join(dir, "replica.pid"),
			socket:  filepath.Join(dir, "replica.sock"),
			history: filepath.Join(dir, "history"),
		}
		p.lock = filepath.Join(p.history, "LOCK")
		return p
	}

	t.Run("no PID file", func(t *testing.T) {
		p := setup(t)
		assert.NoError(t, daemon.RecoverFromStaleDaemon(p.pid, p.socket, p.history))
	})

	t.Run("invalid PID file", func(t *testing.T) {
		p := setup(t)
		writeFile(t, p.pid, "not-a-number")
		assert.NoError(t, daemon.RecoverFromStaleDaemon(p.pid, p.socket, p.history))
	})

	t.Run("daemon running", func(t *testing.T) {
		p := setup(t)
		writeFile(t, p.pid, strconv.Itoa(os.Getpid()))

		err := daemon.RecoverFromStaleDaemon(p.pid, p.socket, p.history)
		assert.True(t, errors.Is(err, daemon.ErrDaemonAlreadyRunning))
		assert.FileExists(t, p.pid)
	})

	t.Run("stale daemon", func(t *testing.T) {
		p := setup(t)
		writeFile(t, p.pid, strconv.Itoa(deadPID))
		writeFile(t, p.socket, "fake socket")
		writeFile(t, p.lock, "fake lock")

		require.NoError(t, daemon.RecoverFromStaleDaemon(p.pid, p.socket, p.history))
		for _, path := range []string{p.pid, p.socket, p.lock} {
			assert.NoFileExists(t, path)
		}
	})

	t.Run("stale PID only", func(t *testing.T) {
		p := setup(t)
		writeFile(t, p.pid, strconv.Itoa(deadPID))
		require.NoError(t, daemon.RecoverFromStaleDaemon(p.pid, p.socket, p.history))
		assert.NoFileExists(t, p.pid)
	})
}

func TestStatusFile(t *testing.T) {
	dir := t.TempDir()
	statusPath := daemon.StatusPath(filepath.Join(dir, "replica.sock"))
	assert.Equal(t, filepath.Join(dir, "replica.status"), statusPath)

	require.NoError(t, daemon.WriteStatusReady(statusPath))
	status, err := daemon.ReadStatus(statusPath)
	require.NoError(t, err)
	assert.Equal(t, "ready", status.Status)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Empty(t, status.Error)

	require.NoError(t, daemon.WriteStatusError(statusPath, errors.New("source missing")))
	status, err = daemon.ReadStatus(statusPath)
	require.NoError(t, err)
	assert.Equal(t, "error", status.Status)
	assert.Equal(t, "source missing", status.Error)
	assert.Zero(t, status.PID)

	require.NoError(t, daemon.RemoveStatus(statusPath))
	_, err = daemon.ReadStatus(statusPath)
	assert.Error(t, err)

	writeFile(t, statusPath, "not json")
	_, err = daemon.ReadStatus(statusPath)
	assert.Error(t, err)
}
