package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// The pidfile carries the daemon's port, not its pid: hook scripts and
// the CLI read it to find the local HTTP endpoint. A stale file from a
// crashed daemon is tolerated everywhere it is read.

// PidfilePath returns the pidfile location under configDir.
func PidfilePath(configDir string) string {
	return filepath.Join(configDir, "daemon.pid")
}

// WritePidfile records the bound port as a decimal string, mode 0600.
func WritePidfile(configDir string, port int) error {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	path := PidfilePath(configDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(port)), 0o600); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// ReadPidfile returns the port a running daemon recorded, or an error
// when there is no pidfile or its contents are not a port number.
func ReadPidfile(configDir string) (int, error) {
	raw, err := os.ReadFile(PidfilePath(configDir))
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("malformed pidfile: %w", err)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("malformed pidfile: port %d out of range", port)
	}
	return port, nil
}

// RemovePidfile deletes the pidfile; a missing file is not an error.
func RemovePidfile(configDir string) error {
	err := os.Remove(PidfilePath(configDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
