package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/shineum/graphmailer/internal/config"
	"github.com/shineum/graphmailer/internal/provider"
	"github.com/shineum/graphmailer/internal/provider/graph"
	"github.com/shineum/graphmailer/internal/provider/ses"
	"github.com/shineum/graphmailer/internal/provider/stdout"
)

// newProvider builds the delivery backend selected by cfg. Messages without a
// from address are sent as the configured default sender.
func newProvider(ctx context.Context, cfg *config.Config, out io.Writer, log *slog.Logger) (provider.Provider, error) {
	var p provider.Provider

	switch name := cfg.ProviderName(); name {
	case config.ProviderGraph:
		log.Info("using Microsoft Graph provider",
			"tenant_id", cfg.Graph.TenantID,
			"chunk_size", cfg.Graph.ChunkSize.String(),
			"strict_uploads", cfg.Graph.StrictUploads,
		)
		p = graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			BaseURL:      cfg.Graph.BaseURL,
			AuthorityURL: cfg.Graph.AuthorityURL,
			Timeout:      cfg.Graph.Timeout,
			SenderOptions: graph.SenderOptions{
				ChunkSize:         int(cfg.Graph.ChunkSize),
				StrictUploads:     cfg.Graph.StrictUploads,
				CheckCancellation: cfg.Graph.CheckCancellation,
				Logger:            log,
			},
		})

	case config.ProviderSES:
		log.Info("using AWS SES provider", "region", cfg.SES.Region)
		sp, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		p = sp

	case config.ProviderStdout:
		log.Info("using stdout provider")
		p = stdout.NewWithWriter(out)

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	sender, err := cfg.DefaultSender()
	if err != nil {
		return nil, err
	}
	return provider.WithDefaultFrom(p, sender), nil
}
