package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shineum/mail2chat/internal/config"
	"github.com/shineum/mail2chat/internal/transport"
	"github.com/shineum/mail2chat/internal/transport/evolution"
	"github.com/shineum/mail2chat/internal/transport/msgraph"
	"github.com/shineum/mail2chat/internal/transport/ses"
	"github.com/shineum/mail2chat/internal/transport/smtprelay"
	"github.com/shineum/mail2chat/internal/transport/stdout"
)

// selectTransport chooses the outbound transport based on configuration.
// With "auto" (or empty) the first configured one wins: Evolution, then
// SES, then Microsoft Graph, then an SMTP relay, else stdout.
func selectTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case "evolution":
		if !cfg.EvolutionConfigured() {
			return nil, errors.New("evolution transport selected but EVOLUTION_API_URL, EVOLUTION_API_KEY and EVOLUTION_INSTANCE are required")
		}
		return newEvolution(cfg), nil

	case "ses":
		if !cfg.SESConfigured() {
			return nil, errors.New("SES transport selected but SES_REGION and SES_SENDER are required")
		}
		return newSES(ctx, cfg)

	case "msgraph", "graph":
		if !cfg.GraphConfigured() {
			return nil, errors.New("Graph transport selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER are required")
		}
		return newGraph(cfg), nil

	case "smtp":
		if !cfg.SMTPRelayConfigured() {
			return nil, errors.New("SMTP transport selected but RELAY_SMTP_ADDR and RELAY_SMTP_SENDER are required")
		}
		return newSMTPRelay(cfg), nil

	case "stdout":
		slog.Info("using stdout transport")
		return stdout.New(), nil

	case "", "auto":
		switch {
		case cfg.EvolutionConfigured():
			return newEvolution(cfg), nil
		case cfg.SESConfigured():
			return newSES(ctx, cfg)
		case cfg.GraphConfigured():
			return newGraph(cfg), nil
		case cfg.SMTPRelayConfigured():
			return newSMTPRelay(cfg), nil
		}
		slog.Info("no transport configured, using stdout transport")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func newEvolution(cfg *config.Config) transport.Transport {
	slog.Info("using Evolution API transport",
		"api_url", cfg.Evolution.APIURL,
		"instance", cfg.Evolution.Instance,
	)
	return evolution.New(evolution.Config{
		APIURL:   cfg.Evolution.APIURL,
		APIKey:   cfg.Evolution.APIKey,
		Instance: cfg.Evolution.Instance,
	})
}

func newSES(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	slog.Info("using AWS SES transport",
		"region", cfg.SES.Region,
		"sender", cfg.SES.Sender,
	)
	t, err := ses.New(ctx, ses.Config{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SES transport: %w", err)
	}
	return t, nil
}

func newGraph(cfg *config.Config) transport.Transport {
	slog.Info("using Microsoft Graph transport", "sender", cfg.Graph.Sender)
	return msgraph.New(msgraph.Config{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		Sender:       cfg.Graph.Sender,
	})
}

func newSMTPRelay(cfg *config.Config) transport.Transport {
	slog.Info("using SMTP relay transport",
		"addr", cfg.SMTPRelay.Addr,
		"sender", cfg.SMTPRelay.Sender,
		"tls", cfg.SMTPRelay.TLS,
	)
	return smtprelay.New(smtprelay.Config{
		Addr:     cfg.SMTPRelay.Addr,
		Username: cfg.SMTPRelay.Username,
		Password: cfg.SMTPRelay.Password,
		Sender:   cfg.SMTPRelay.Sender,
		TLS:      cfg.SMTPRelay.TLS,
	})
}
