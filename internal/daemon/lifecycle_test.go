//go:build !windows

package daemon

import (
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// These tests cover the PID-port states users hit when managing the daemon.

// setupTestEnv isolates HOME so the PID file lives in a temp dir, and returns
// a unique listen address for the scenario.
func setupTestEnv(t *testing.T, port int) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// startMockServer occupies addr to simulate a running daemon.
func startMockServer(t *testing.T, addr string) (net.Listener, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("failed to start mock server on %s: %v", addr, err)
	}
	return ln, func() { ln.Close() }
}

// startRealProcess starts a process we can signal.
func startRealProcess(t *testing.T) (int, func()) {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start test process: %v", err)
	}
	return cmd.Process.Pid, func() {
		cmd.Process.Kill()
		cmd.Wait()
	}
}

func TestScenario_CleanState_NoDaemon(t *testing.T) {
	addr := setupTestEnv(t, 51001)

	pid, running := IsDaemonRunning(addr)
	if running || pid != 0 {
		t.Errorf("IsDaemonRunning = (%d, %v), want (0, false)", pid, running)
	}
}

func TestScenario_NormalRunning_WithPidFile(t *testing.T) {
	addr := setupTestEnv(t, 51002)

	realPid, cleanup := startRealProcess(t)
	defer cleanup()
	_, stopServer := startMockServer(t, addr)
	defer stopServer()

	WriteDaemonPid(realPid)

	pid, running := IsDaemonRunning(addr)
	if !running || pid != realPid {
		t.Errorf("IsDaemonRunning = (%d, %v), want (%d, true)", pid, running, realPid)
	}
}

func TestScenario_StalePidFile_ProcessDead(t *testing.T) {
	addr := setupTestEnv(t, 51003)

	WriteDaemonPid(999999999)

	pid, running := IsDaemonRunning(addr)
	if running || pid != 0 {
		t.Errorf("IsDaemonRunning = (%d, %v), want (0, false)", pid, running)
	}
	if _, err := ReadDaemonPid(); err == nil {
		t.Error("Stale PID file should be removed")
	}
}

// An old daemon occupying the port without a PID file must still be seen.
func TestScenario_OrphanedDaemon_NoPidFile(t *testing.T) {
	addr := setupTestEnv(t, 51004)

	_, stopServer := startMockServer(t, addr)
	defer stopServer()

	pid, running := IsDaemonRunning(addr)
	if !running || pid != -1 {
		t.Errorf("IsDaemonRunning = (%d, %v), want (-1, true)", pid, running)
	}
}

func TestScenario_StalePidFile_PortTakenByOther(t *testing.T) {
	addr := setupTestEnv(t, 51005)

	WriteDaemonPid(999999999)
	_, stopServer := startMockServer(t, addr)
	defer stopServer()

	pid, running := IsDaemonRunning(addr)
	if !running || pid != -1 {
		t.Errorf("IsDaemonRunning = (%d, %v), want (-1, true)", pid, running)
	}
	if _, err := ReadDaemonPid(); err == nil {
		t.Error("Stale PID file should be removed even when port is taken by other process")
	}
}

func TestScenario_ProcessAlive_NotListeningYet(t *testing.T) {
	addr := setupTestEnv(t, 51006)

	realPid, cleanup := startRealProcess(t)
	defer cleanup()
	WriteDaemonPid(realPid)

	pid, running := IsDaemonRunning(addr)
	if running {
		t.Error("IsDaemonRunning should return false when process is not listening")
	}
	if pid != realPid {
		t.Errorf("PID should be %d (process is alive), got %d", realPid, pid)
	}

	savedPid, err := ReadDaemonPid()
	if err != nil || savedPid != realPid {
		t.Errorf("PID file should be kept while the process is alive: %d, %v", savedPid, err)
	}
}

func TestScenario_StopNormalDaemon(t *testing.T) {
	addr := setupTestEnv(t, 51007)

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start test process: %v", err)
	}
	procDone := make(chan error, 1)
	go func() { procDone <- cmd.Wait() }()
	defer func() {
		cmd.Process.Kill()
		select {
		case <-procDone:
		case <-time.After(time.Second):
		}
	}()

	ln, _ := startMockServer(t, addr)
	defer ln.Close()
	WriteDaemonPid(cmd.Process.Pid)

	if err := StopDaemonProcess(addr, 2*time.Second); err != nil {
		t.Errorf("StopDaemonProcess should succeed, got error: %v", err)
	}

	select {
	case <-procDone:
	case <-time.After(3 * time.Second):
		t.Error("Process should have exited after StopDaemonProcess")
	}

	if _, err := ReadDaemonPid(); err == nil {
		t.Error("PID file should be removed after stopping daemon")
	}
}

func TestScenario_StopNotRunning(t *testing.T) {
	addr := setupTestEnv(t, 51008)

	err := StopDaemonProcess(addr, time.Second)
	if err == nil || err.Error() != "bgproxy is not running" {
		t.Errorf("StopDaemonProcess = %v, want 'bgproxy is not running'", err)
	}
}

func TestScenario_StopOrphanedDaemon(t *testing.T) {
	addr := setupTestEnv(t, 51009)

	_, stopServer := startMockServer(t, addr)
	defer stopServer()

	err := StopDaemonProcess(addr, time.Second)
	if err == nil {
		t.Fatal("StopDaemonProcess should return error for orphaned daemon")
	}
	if !strings.Contains(err.Error(), "lsof") || !strings.Contains(err.Error(), "51009") {
		t.Errorf("Error should mention lsof and port number, got: %v", err)
	}
}

func TestScenario_RapidStatusChecks(t *testing.T) {
	addr := setupTestEnv(t, 51012)

	_, stopServer := startMockServer(t, addr)
	defer stopServer()
	realPid, cleanupProc := startRealProcess(t)
	defer cleanupProc()
	WriteDaemonPid(realPid)

	for i := 0; i < 5; i++ {
		pid, running := IsDaemonRunning(addr)
		if !running || pid != realPid {
			t.Errorf("Attempt %d: IsDaemonRunning = (%d, %v)", i, pid, running)
		}
	}
}

func TestDialAddr(t *testing.T) {
	tests := map[string]string{
		":8080":          "127.0.0.1:8080",
		"0.0.0.0:8080":   "127.0.0.1:8080",
		"[::]:8080":      "127.0.0.1:8080",
		"10.0.0.5:9000":  "10.0.0.5:9000",
		"localhost:8080": "localhost:8080",
	}
	for in, want := range tests {
		if got := dialAddr(in); got != want {
			t.Errorf("dialAddr(%q) = %q, want %q", in, got, want)
		}
	}
}
