// Package cli implements the graphmailer command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/graphmailer/internal/config"
	"github.com/shineum/graphmailer/internal/logger"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	envPath    string
	provider   string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCommand builds the graphmailer command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "graphmailer",
		Short: "Send email through Microsoft Graph, AWS SES or stdout",
		Long: `graphmailer delivers email through a pluggable provider.

The msgraph provider creates a draft in the sender's mailbox, attaches files
(inline below 3 MiB, through an upload session above) and then sends it.

Example:
  graphmailer send --from reports@example.com --to alice@example.com --subject Hi --body Hello
  graphmailer send --eml message.eml
  graphmailer relay --config graphmailer.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&opts.envPath, "env-file", ".env", "dotenv file loaded into the environment if present")
	flags.StringVarP(&opts.provider, "provider", "p", "", "delivery provider: msgraph, ses or stdout (default: auto-detect)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: json or text")

	root.AddCommand(newSendCommand(opts))
	root.AddCommand(newRelayCommand(opts))
	return root
}

// load reads configuration, applies flag overrides and installs the logger.
func (o *globalOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath, o.envPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if o.provider != "" {
		cfg.Provider = o.provider
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	o.cfg = cfg
	o.logger = logger.Setup(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	return nil
}

// Execute runs the command line until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
