package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dopejs/bgproxy/internal/daemon"
	"github.com/spf13/cobra"
)

// shutdownGrace bounds how long in-flight requests may run after a stop signal.
const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy in the foreground",
	Long:  "Load the configuration and serve until interrupted. Logs go to stderr.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), stderrLogger(), false)
	},
}

// runServe runs the daemon until SIGINT/SIGTERM. With pidFile set it also
// records the process in the PID file.
func runServe(ctx context.Context, logger *log.Logger, pidFile bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, source, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger.Printf("config loaded from %s", source)

	d, err := daemon.NewDaemon(cfg, Version, logger)
	if err != nil {
		return err
	}

	if pidFile {
		if err := d.WritePidFile(); err != nil {
			logger.Printf("Warning: failed to write PID file: %v", err)
		}
		defer daemon.RemoveDaemonPid()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx, shutdownGrace)
}
