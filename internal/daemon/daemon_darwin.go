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

const launchdLabel = "com.dopejs.bgproxy"

func launchdPlistPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
}

const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN"
  "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
  <key>Label</key>
  <string>{{.Label}}</string>
  <key>ProgramArguments</key>
  <array>
    <string>{{.Executable}}</string>
    <string>daemon</string>
    <string>start</string>
    <string>--foreground</string>
    <string>--config</string>
    <string>{{.Config}}</string>
  </array>
  <key>RunAtLoad</key>
  <true/>
  <key>KeepAlive</key>
  <true/>
  <key>StandardOutPath</key>
  <string>{{.LogPath}}</string>
  <key>StandardErrorPath</key>
  <string>{{.LogPath}}</string>
</dict>
</plist>
`

// renderService renders the launchd plist.
func renderService(exe, configSource string) ([]byte, error) {
	var buf bytes.Buffer
	tmpl := template.Must(template.New("plist").Parse(plistTemplate))
	if err := tmpl.Execute(&buf, struct {
		Label      string
		Executable string
		Config     string
		LogPath    string
	}{
		Label:      launchdLabel,
		Executable: exe,
		Config:     configSource,
		LogPath:    DaemonLogPath(),
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EnableService installs and loads the launchd plist on macOS.
func EnableService(configSource string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot determine executable path: %w", err)
	}

	plist, err := renderService(exe, configSource)
	if err != nil {
		return err
	}
	plistPath := launchdPlistPath()
	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(plistPath, plist, 0644); err != nil {
		return err
	}

	if out, err := exec.Command("launchctl", "load", plistPath).CombinedOutput(); err != nil {
		return fmt.Errorf("launchctl load failed: %s: %w", string(out), err)
	}
	return nil
}

// DisableService unloads and removes the launchd plist on macOS.
func DisableService() error {
	plistPath := launchdPlistPath()

	// Ignore error if not loaded
	exec.Command("launchctl", "unload", plistPath).Run()

	if err := os.Remove(plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plist: %w", err)
	}
	return nil
}

// ServicePid asks launchd for the daemon's PID.
func ServicePid() (int, bool) {
	out, err := exec.Command("launchctl", "list", launchdLabel).Output()
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "\"PID\"") {
			continue
		}
		_, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), ";")))
		if err == nil && pid > 0 {
			return pid, true
		}
	}
	return 0, false
}
