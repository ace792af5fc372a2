package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
)

const systemdUnitName = "bgproxy.service"

func systemdUnitPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", systemdUnitName)
}

const unitTemplate = `[Unit]
Description=bgproxy failover reverse proxy
After=network-online.target

[Service]
Type=simple
ExecStart={{.Executable}} daemon start --foreground --config {{.Config}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

// renderService renders the systemd user unit.
func renderService(exe, configSource string) ([]byte, error) {
	var buf bytes.Buffer
	tmpl := template.Must(template.New("unit").Parse(unitTemplate))
	if err := tmpl.Execute(&buf, struct {
		Executable string
		Config     string
	}{
		Executable: exe,
		Config:     configSource,
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EnableService installs and enables the systemd user unit on Linux.
func EnableService(configSource string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot determine executable path: %w", err)
	}

	unit, err := renderService(exe, configSource)
	if err != nil {
		return err
	}
	unitPath := systemdUnitPath()
	if err := os.MkdirAll(filepath.Dir(unitPath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, unit, 0644); err != nil {
		return err
	}

	if out, err := exec.Command("systemctl", "--user", "daemon-reload").CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl daemon-reload failed: %s: %w", string(out), err)
	}
	if out, err := exec.Command("systemctl", "--user", "enable", "--now", systemdUnitName).CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl enable failed: %s: %w", string(out), err)
	}
	return nil
}

// DisableService disables and removes the systemd user unit on Linux.
func DisableService() error {
	exec.Command("systemctl", "--user", "stop", systemdUnitName).Run()
	exec.Command("systemctl", "--user", "disable", systemdUnitName).Run()

	if err := os.Remove(systemdUnitPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}

	exec.Command("systemctl", "--user", "daemon-reload").Run()
	return nil
}

// ServicePid asks systemd for the daemon's PID.
func ServicePid() (int, bool) {
	out, err := exec.Command("systemctl", "--user", "show", systemdUnitName, "-p", "MainPID", "--value").Output()
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err == nil && pid > 0 {
		return pid, true
	}
	return 0, false
}
