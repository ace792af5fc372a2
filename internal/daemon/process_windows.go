package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"syscall"
	"time"
)

// IsDaemonRunning mirrors the Unix PID-port validation.
func IsDaemonRunning(listen string) (int, bool) {
	if pid, err := ReadDaemonPid(); err == nil {
		// On Windows, FindProcess always succeeds. Use tasklist to verify.
		out, err := exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/NH").Output()
		pattern := regexp.MustCompile(`\b` + fmt.Sprintf("%d", pid) + `\b`)
		if err == nil && pattern.Match(out) {
			return pid, IsPortListening(listen)
		}
		RemoveDaemonPid()
	}
	if IsPortListening(listen) {
		return -1, true
	}
	return 0, false
}

// StopDaemonProcess terminates the daemon process on Windows. There is no
// SIGTERM, so the process is killed directly.
func StopDaemonProcess(listen string, _ time.Duration) error {
	pid, _ := IsDaemonRunning(listen)
	if pid == -1 {
		return fmt.Errorf("%s is in use but no PID file was found; find the process with: netstat -ano | findstr :%s", listen, portOf(listen))
	}
	if pid == 0 {
		return fmt.Errorf("bgproxy is not running")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("failed to stop bgproxy (PID %d): %w", pid, err)
	}
	RemoveDaemonPid()
	return nil
}

const _CREATE_NEW_PROCESS_GROUP = 0x00000200

// DaemonSysProcAttr returns SysProcAttr for detaching the child process on Windows.
func DaemonSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: _CREATE_NEW_PROCESS_GROUP}
}
