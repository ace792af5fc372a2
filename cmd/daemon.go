package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/dopejs/bgproxy/internal/config"
	"github.com/dopejs/bgproxy/internal/daemon"
	"github.com/dopejs/bgproxy/internal/web"
	"github.com/spf13/cobra"
)

// envDaemonChild marks the re-executed background process.
const envDaemonChild = "BGPROXY_DAEMON"

var daemonForegroundFlag bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the background bgproxy daemon",
	Long:  "Start, stop and inspect bgproxy running in the background, or install it as a user service.",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonRestart,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var daemonEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Install bgproxy as a user service (start on login)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := absSource(config.ResolveSource(configFlag))
		if err != nil {
			return err
		}
		if err := daemon.EnableService(source); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "bgproxy installed as a user service.")
		return nil
	},
}

var daemonDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Remove the bgproxy user service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := daemon.DisableService(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "bgproxy user service removed.")
		return nil
	},
}

func init() {
	daemonStartCmd.Flags().BoolVar(&daemonForegroundFlag, "foreground", false, "run in foreground (don't daemonize)")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonRestartCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonEnableCmd)
	daemonCmd.AddCommand(daemonDisableCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	// The re-executed child and service managers run in the foreground.
	if os.Getenv(envDaemonChild) == "1" || daemonForegroundFlag {
		logFile, logger := setupDaemonLogger()
		if logFile != nil {
			defer logFile.Close()
		}
		return runServe(cmd.Context(), logger, true)
	}

	cfg, source, err := loadConfig(context.Background())
	if err != nil {
		return err
	}
	if pid, running := daemon.IsDaemonRunning(cfg.Listen); running {
		if pid == -1 {
			return fmt.Errorf("%s is already in use by another process", cfg.Listen)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "bgproxy is already running (PID %d).\n", pid)
		return nil
	}
	return startDaemonBackground(cmd.OutOrStdout(), cfg, source)
}

// startDaemonBackground re-executes the binary detached from the terminal.
func startDaemonBackground(out io.Writer, cfg *config.Config, source string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot determine executable path: %w", err)
	}
	if source, err = absSource(source); err != nil {
		return err
	}

	if err := os.MkdirAll(config.ConfigDirPath(), 0755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(daemon.DaemonLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("cannot open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, "daemon", "start", "--config", source)
	child.Env = append(os.Environ(), envDaemonChild+"=1")
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = daemon.DaemonSysProcAttr()

	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start bgproxy: %w", err)
	}
	daemon.WriteDaemonPid(child.Process.Pid)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := waitForDaemonReady(ctx, cfg); err != nil {
		return fmt.Errorf("bgproxy started but did not become ready (see %s): %w", daemon.DaemonLogPath(), err)
	}

	fmt.Fprintf(out, "bgproxy started (PID %d): proxy=%s admin=%s\n",
		child.Process.Pid, cfg.Listen, adminListenOrOff(cfg))
	return nil
}

// waitForDaemonReady polls until the proxy port accepts connections.
func waitForDaemonReady(ctx context.Context, cfg *config.Config) error {
	for {
		if daemon.IsPortListening(cfg.Listen) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(context.Background())
	if err != nil {
		return err
	}
	pid, running := daemon.IsDaemonRunning(cfg.Listen)
	if pid == 0 && !running {
		fmt.Fprintln(cmd.OutOrStdout(), "bgproxy is not running.")
		return nil
	}
	if pid > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Stopping bgproxy (PID %d)...\n", pid)
	}
	if err := daemon.StopDaemonProcess(cfg.Listen, shutdownGrace); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "bgproxy stopped.")
	return nil
}

func runDaemonRestart(cmd *cobra.Command, args []string) error {
	cfg, source, err := loadConfig(context.Background())
	if err != nil {
		return err
	}
	if pid, running := daemon.IsDaemonRunning(cfg.Listen); pid != 0 || running {
		fmt.Fprintf(cmd.OutOrStdout(), "Stopping bgproxy (PID %d)...\n", pid)
		if err := daemon.StopDaemonProcess(cfg.Listen, shutdownGrace); err != nil {
			return fmt.Errorf("failed to stop bgproxy: %w", err)
		}
		// Brief pause to let ports be released
		time.Sleep(300 * time.Millisecond)
	}
	return startDaemonBackground(cmd.OutOrStdout(), cfg, source)
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(context.Background())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, running := daemon.IsDaemonRunning(cfg.Listen)
	switch {
	case pid == -1:
		fmt.Fprintf(out, "%s is in use, but no bgproxy PID file was found.\n", cfg.Listen)
		return nil
	case pid > 0 && !running:
		fmt.Fprintf(out, "bgproxy (PID %d) is starting but not listening yet.\n", pid)
		return nil
	case !running:
		fmt.Fprintln(out, "bgproxy is not running.")
		if spid, ok := daemon.ServicePid(); ok {
			fmt.Fprintf(out, "  Service manager reports PID %d.\n", spid)
		}
		return nil
	}

	if cfg.Admin.Disabled {
		fmt.Fprintf(out, "bgproxy is running (PID %d), admin API disabled.\n", pid)
		return nil
	}

	var status daemon.StatusResponse
	client := web.NewClient(daemon.AdminURL(cfg))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Get(ctx, "/api/v1/daemon/status", &status); err != nil {
		fmt.Fprintf(out, "bgproxy is running (PID %d) but the admin API is not reachable: %v\n", pid, err)
		return nil
	}
	printDaemonStatus(out, pid, &status)
	return nil
}

func printDaemonStatus(out io.Writer, pid int, status *daemon.StatusResponse) {
	fmt.Fprintf(out, "bgproxy is running (PID %d)\n", pid)
	fmt.Fprintf(out, "  Version:  %s\n", status.Version)
	fmt.Fprintf(out, "  Uptime:   %s\n", status.Uptime)
	fmt.Fprintf(out, "  Proxy:    %s\n", status.ProxyAddr)
	fmt.Fprintf(out, "  Admin:    %s\n", status.AdminAddr)
	fmt.Fprintf(out, "  Pool:     %s (%d backends, %d down)\n", status.Pool, status.Backends, status.Down)
	fmt.Fprintf(out, "  Checks:   %s\n", onOff(status.HealthChecks))
	fmt.Fprintf(out, "  Store:    %s\n", onOff(status.Store))
}

func setupDaemonLogger() (*os.File, *log.Logger) {
	os.MkdirAll(config.ConfigDirPath(), 0755)
	logFile, err := os.OpenFile(daemon.DaemonLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, stderrLogger()
	}
	return logFile, newLogger(logFile)
}

// absSource makes a local config path absolute so a detached process or a
// service manager resolves it regardless of working directory.
func absSource(source string) (string, error) {
	if config.IsS3Source(source) {
		return source, nil
	}
	return filepath.Abs(source)
}

func adminListenOrOff(cfg *config.Config) string {
	if cfg.Admin.Disabled {
		return "off"
	}
	return cfg.Admin.Listen
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
