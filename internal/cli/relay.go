package cli

import (
	"crypto/tls"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shineum/graphmailer/internal/relay"
)

func newRelayCommand(global *globalOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run an SMTP relay that delivers through the provider",
		Long: `Run an SMTP listener. Every message received with DATA is parsed and sent
through the configured provider; a failed send is answered with 554 and the
provider's error text. The relay stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := global.cfg
			if listen != "" {
				cfg.Relay.Listen = listen
			}
			ctx := cmd.Context()

			var tlsConfig *tls.Config
			if !cfg.Relay.TLS.Disabled {
				var err error
				tlsConfig, err = relay.LoadTLSConfig(cfg.Relay.TLS.CertFile, cfg.Relay.TLS.KeyFile, cfg.Relay.Hostname)
				if err != nil {
					return fmt.Errorf("failed to setup TLS: %w", err)
				}
			}

			p, err := newProvider(ctx, cfg, cmd.OutOrStdout(), global.logger)
			if err != nil {
				return err
			}

			srv := relay.New(relay.Config{
				ListenAddr:      cfg.Relay.Listen,
				Hostname:        cfg.Relay.Hostname,
				Provider:        p,
				TLSConfig:       tlsConfig,
				Username:        cfg.Relay.Username,
				Password:        cfg.Relay.Password,
				MaxMessageBytes: int(cfg.Relay.MaxMessageSize),
				Logger:          global.logger,
			})
			if err := srv.ListenAndServe(ctx); err != nil {
				return fmt.Errorf("relay: %w", err)
			}

			global.logger.Info("relay stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides relay.listen)")
	return cmd
}
