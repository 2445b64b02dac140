package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// StatusFile is written by replicad once startup succeeded or failed, so a
// launching client can tell the two apart without waiting for a timeout.
type StatusFile struct {
	Status string `json:"status"`          // "ready" or "error"
	PID    int    `json:"pid,omitempty"`   // Process ID (only for ready status)
	Error  string `json:"error,omitempty"` // Error message (only for error status)
}

// WriteStatusReady writes a ready status file.
func WriteStatusReady(path string) error {
	return writeStatus(path, &StatusFile{Status: "ready", PID: os.Getpid()})
}

// WriteStatusError writes an error status file.
func WriteStatusError(path string, err error) error {
	return writeStatus(path, &StatusFile{Status: "error", Error: err.Error()})
}

func writeStatus(path string, status *StatusFile) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}

// ReadStatus reads a status file.
func ReadStatus(path string) (*StatusFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status StatusFile
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RemoveStatus removes the status file.
func RemoveStatus(path string) error {
	return os.Remove(path)
}

// StatusPath returns the status file that sits next to the socket.
func StatusPath(socketPath string) string {
	return strings.TrimSuffix(socketPath, ".sock") + ".status"
}
