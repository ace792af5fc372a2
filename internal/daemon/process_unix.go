//go:build !windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// DaemonSysProcAttr returns SysProcAttr for detaching the child process on Unix.
func DaemonSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// IsDaemonRunning checks if the daemon is running.
// Performs PID-port validation against the proxy listen address:
//   - PID alive and port listening: (pid, true)
//   - PID alive, port not listening yet: (pid, false), PID file kept
//   - no live PID but port listening: (-1, true), an orphaned daemon
//   - neither: (0, false)
//
// A PID file naming a dead process is removed.
func IsDaemonRunning(listen string) (int, bool) {
	pid, err := ReadDaemonPid()
	if err == nil {
		proc, ferr := os.FindProcess(pid)
		if ferr == nil && proc.Signal(syscall.Signal(0)) == nil {
			return pid, IsPortListening(listen)
		}
		// Process is dead, clean up stale PID file
		RemoveDaemonPid()
	}

	if IsPortListening(listen) {
		return -1, true
	}
	return 0, false
}

// StopDaemonProcess sends SIGTERM to the daemon and waits up to timeout for
// it to exit before killing it.
func StopDaemonProcess(listen string, timeout time.Duration) error {
	pid, _ := IsDaemonRunning(listen)
	if pid == -1 {
		return fmt.Errorf("%s is in use but no PID file was found; find the process with: lsof -i :%s", listen, portOf(listen))
	}
	if pid == 0 {
		return fmt.Errorf("bgproxy is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop bgproxy (PID %d): %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			RemoveDaemonPid()
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	// Force kill if still running
	proc.Signal(syscall.SIGKILL)
	RemoveDaemonPid()
	return nil
}
