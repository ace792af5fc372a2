package daemon

import (
	"fmt"
	"os"
	"os/exec"
)

const taskName = "bgproxy"

// renderService returns the scheduled task command line.
func renderService(exe, configSource string) ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s" daemon start --foreground --config "%s"`, exe, configSource)), nil
}

// EnableService creates a Windows scheduled task that runs at logon.
func EnableService(configSource string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot determine executable path: %w", err)
	}
	cmdline, _ := renderService(exe, configSource)

	out, err := exec.Command("schtasks", "/create",
		"/tn", taskName,
		"/sc", "onlogon",
		"/tr", string(cmdline),
		"/f",
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("schtasks create failed: %s: %w", string(out), err)
	}
	return nil
}

// DisableService removes the Windows scheduled task.
func DisableService() error {
	out, err := exec.Command("schtasks", "/delete", "/tn", taskName, "/f").CombinedOutput()
	if err != nil {
		return fmt.Errorf("schtasks delete failed: %s: %w", string(out), err)
	}
	return nil
}

// ServicePid is not tracked for scheduled tasks.
func ServicePid() (int, bool) {
	return 0, false
}
