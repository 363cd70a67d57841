// exceptionmailer - exception report mailer
//
// Serves a demo application wired to the mailer, previews reports without
// sending them, and sends a test report through the configured transport.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/armorclaw/exceptionmailer/pkg/config"
	"github.com/armorclaw/exceptionmailer/pkg/logger"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "exceptionmailer",
		Short:         "Mail exception reports to administrators",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file (TOML or YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(
		newServeCmd(opts),
		newPreviewCmd(opts),
		newSendTestCmd(opts),
		newConfigCmd(),
	)
	return cmd
}

// load reads configuration and sets up the global logger from it
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}
