package ipc

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

// PIDFileName is the conventional PID file, next to the control socket.
const PIDFileName = "shortlinker.pid"

// WritePIDFile records the current process ID as an ASCII hint for
// operators and init scripts. Liveness checks go through the ping probe,
// never through this file.
func WritePIDFile(path string) error {
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the recorded PID.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile deletes the hint; a missing file is fine.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
