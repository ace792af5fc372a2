package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/dopejs/bgproxy/internal/daemon"
	"github.com/dopejs/bgproxy/internal/web"
	"github.com/dopejs/bgproxy/tui"
	"github.com/spf13/cobra"
)

var adminURLFlag string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend health from a running bgproxy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := resolveAdminURL(cmd.Context())
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		resp, err := web.NewClient(base).Pool(ctx)
		if err != nil {
			return fmt.Errorf("query %s: %w", base, err)
		}
		fmt.Fprint(cmd.OutOrStdout(), tui.RenderPool(resp, time.Now()))
		return nil
	},
}

var topInterval time.Duration

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live dashboard of backend health and events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := resolveAdminURL(cmd.Context())
		if err != nil {
			return err
		}
		return tui.RunTop(base, topInterval)
	},
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, topCmd} {
		c.Flags().StringVar(&adminURLFlag, "admin", "", "admin API base URL (default from config admin.listen)")
	}
	topCmd.Flags().DurationVar(&topInterval, "interval", time.Second, "refresh interval")
}

// resolveAdminURL returns --admin, or the admin address from the config.
func resolveAdminURL(ctx context.Context) (string, error) {
	if adminURLFlag != "" {
		return adminURLFlag, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, _, err := loadConfig(ctx)
	if err != nil {
		return "", err
	}
	if cfg.Admin.Disabled {
		return "", fmt.Errorf("admin API is disabled in the config; pass --admin")
	}
	return daemon.AdminURL(cfg), nil
}
