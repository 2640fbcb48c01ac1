// Package cmd defines and implements the CLI commands for the snapsearch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/snapsearch-go/internal/config"
)

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// loadConfig is the configuration factory. It's a variable so tests can
// inject a Config without touching disk or the environment.
var loadConfig = config.Load

// fs backs files written by commands, such as render screenshots.
var fs = afero.NewOsFs()

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "snapsearch",
		Short: "Serve pre-rendered snapshots of a JavaScript application to search engine robots.",
		Long: `snapsearch sits in front of a single page application. Requests from
search engine robots, and requests carrying _escaped_fragment_, are answered
with a rendered snapshot of the page; everything else is proxied to the
application untouched.`,
		SilenceUsage: true,

		// Load configuration once, before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); env vars use the SNAPSEARCH_ prefix")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDetectCmd())
	cmd.AddCommand(newRenderCmd())

	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
