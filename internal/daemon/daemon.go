package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dopejs/bgproxy/internal/config"
)

// DaemonPidPath returns the path to the daemon PID file.
func DaemonPidPath() string {
	return filepath.Join(config.ConfigDirPath(), config.DaemonPidFile)
}

// DaemonLogPath returns the path to the daemon log file.
func DaemonLogPath() string {
	return filepath.Join(config.ConfigDirPath(), config.DaemonLogFile)
}

// WriteDaemonPid writes the daemon PID file atomically with 0600 permissions.
func WriteDaemonPid(pid int) error {
	if err := os.MkdirAll(config.ConfigDirPath(), 0755); err != nil {
		return err
	}
	pidPath := DaemonPidPath()
	tmp := pidPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, pidPath)
}

// ReadDaemonPid reads the daemon PID from the PID file.
func ReadDaemonPid() (int, error) {
	data, err := os.ReadFile(DaemonPidPath())
	if err != nil {
		return 0, fmt.Errorf("PID file not found")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// RemoveDaemonPid removes the daemon PID file.
func RemoveDaemonPid() {
	os.Remove(DaemonPidPath())
}

// dialAddr turns a listen address such as ":8080" or "0.0.0.0:8080" into one
// that can be dialed locally.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// AdminURL returns the base URL local tools use to reach the admin API.
func AdminURL(cfg *config.Config) string {
	return "http://" + dialAddr(cfg.Admin.Listen)
}

// IsPortListening checks if something accepts connections on the listen
// address. Used for PID-port validation so a stale PID file does not make an
// unrelated process look like the daemon.
func IsPortListening(listen string) bool {
	conn, err := net.DialTimeout("tcp", dialAddr(listen), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func portOf(listen string) string {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	return port
}
