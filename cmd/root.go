package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/dopejs/bgproxy/internal/config"
	"github.com/spf13/cobra"
)

var Version = "0.3.0"

// configFlag is the --config value shared by every command.
var configFlag string

var rootCmd = &cobra.Command{
	Use:           "bgproxy",
	Short:         "Reverse proxy with primary/backup failover",
	Long:          "Forward HTTP traffic to a pool of primary and backup servers, marking failing servers down and retrying on the next one.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "bgproxy %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "",
		"config file or s3://bucket/key (default $"+config.EnvConfigPath+" or ~/"+config.ConfigDir+"/"+config.ConfigFile+")")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves and loads the configuration named by --config.
func loadConfig(ctx context.Context) (*config.Config, string, error) {
	source := config.ResolveSource(configFlag)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cfg, err := config.Load(ctx, source)
	if err != nil {
		return nil, source, err
	}
	return cfg, source, nil
}

// newLogger returns the process logger writing to w.
func newLogger(w io.Writer) *log.Logger {
	return log.New(w, "[bgproxy] ", log.LstdFlags)
}

func stderrLogger() *log.Logger {
	return newLogger(os.Stderr)
}
