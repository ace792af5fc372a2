package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dopejs/bgproxy/internal/config"
	"github.com/dopejs/bgproxy/internal/web"
	"github.com/spf13/cobra"
)

// stdinReader is the reader used for interactive prompts. Tests can replace it.
var stdinReader io.Reader = os.Stdin

var (
	configShowJSON  bool
	generatePwdFlag bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and report every problem",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, source, err := loadConfig(context.Background())
		if err != nil {
			var verr *config.ValidationError
			if errors.As(err, &verr) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d problem(s)\n", source, len(verr.Problems))
				for _, p := range verr.Problems {
					fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", p)
				}
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (pool %s, %d primaries, %d backups)\n",
			source, cfg.Pool.Name, len(cfg.Primaries()), len(cfg.Backups()))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with defaults applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(context.Background())
		if err != nil {
			return err
		}
		format := config.FormatYAML
		if configShowJSON {
			format = config.FormatJSON
		}
		data, err := config.Marshal(redacted(cfg), format)
		if err != nil {
			return err
		}
		cmd.OutOrStdout().Write(data)
		if format == config.FormatJSON {
			fmt.Fprintln(cmd.OutOrStdout())
		}
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Print a bcrypt hash for admin.password_hash",
	Long:  "Read a password from stdin (or generate one with --generate) and print its bcrypt hash.",
	Args:  cobra.NoArgs,
	RunE:  runHashPassword,
}

func init() {
	configShowCmd.Flags().BoolVar(&configShowJSON, "json", false, "print JSON instead of YAML")
	hashPasswordCmd.Flags().BoolVar(&generatePwdFlag, "generate", false, "generate a random password")
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(hashPasswordCmd)
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if generatePwdFlag {
		password, hash, err := web.GeneratePassword()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "password: %s\n", password)
		fmt.Fprintf(out, "hash:     %s\n", hash)
		return nil
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	scanner := bufio.NewScanner(stdinReader)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return err
		}
		return fmt.Errorf("no password given")
	}
	hash, err := web.HashPassword(strings.TrimRight(scanner.Text(), "\r\n"))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hash)
	return nil
}

// redacted returns a copy of cfg safe to print: webhook headers often
// carry tokens.
func redacted(cfg *config.Config) *config.Config {
	c := *cfg
	if c.Admin.PasswordHash != "" {
		c.Admin.PasswordHash = "<set>"
	}
	c.Webhooks = make([]*config.WebhookConfig, len(cfg.Webhooks))
	for i, wh := range cfg.Webhooks {
		w := *wh
		if len(w.Headers) > 0 {
			w.Headers = make(map[string]string, len(wh.Headers))
			for k := range wh.Headers {
				w.Headers[k] = "<redacted>"
			}
		}
		c.Webhooks[i] = &w
	}
	return &c
}
