// Package main is the entry point for the mail-to-chat forwarder.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/shineum/mail2chat/internal/chat"
	"github.com/shineum/mail2chat/internal/config"
	"github.com/shineum/mail2chat/internal/filter"
	"github.com/shineum/mail2chat/internal/forwarder"
	"github.com/shineum/mail2chat/internal/inbound"
	"github.com/shineum/mail2chat/internal/mailbox"
	"github.com/shineum/mail2chat/internal/monitor"
	"github.com/shineum/mail2chat/internal/stager"
	"github.com/shineum/mail2chat/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	check := flag.Bool("check", false, "test the mailbox connection, show recent messages and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	if err := run(*configPath, *check); err != nil {
		slog.Error("mail2chat stopped with error", "error", err)
		os.Exit(1)
	}
}

// run wires the components and blocks until shutdown. Every resource it
// opens is released before it returns.
func run(configPath string, check bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	mb := mailbox.New(mailbox.Config{
		Addr:               cfg.IMAP.Addr(),
		Username:           cfg.IMAP.Username,
		Password:           cfg.IMAP.Password,
		TLS:                cfg.IMAP.TLS,
		InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
		PollInterval:       cfg.IMAP.PollInterval,
	})
	defer mb.Close()

	if check {
		if cfg.IMAP.Username == "" || cfg.IMAP.Password == "" {
			return errors.New("IMAP_USERNAME and IMAP_PASSWORD are required")
		}
		if err := runCheck(context.Background(), mb, cfg.IMAP.Folder, os.Stdout); err != nil {
			fmt.Fprintf(os.Stdout, "❌ Connection test failed: %v\n", err)
			return err
		}
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tr, err := selectTransport(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to set up transport: %w", err)
	}

	st, err := stager.New(stager.Options{
		Dir:             cfg.Attachments.TempDir,
		MaxSize:         cfg.Attachments.MaxSize,
		SupportedTypes:  cfg.Attachments.SupportedTypes,
		CleanupFallback: cfg.Attachments.CleanupFallback,
	})
	if err != nil {
		return fmt.Errorf("failed to set up attachment staging: %w", err)
	}
	if _, err := st.Sweep(); err != nil {
		slog.Warn("failed to sweep temp directory", "error", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("failed to clean up temp directory", "error", err)
		}
	}()

	fw := forwarder.New(tr, st, forwarder.Options{
		Target:               cfg.Forward.Target,
		BodyLimit:            cfg.Forward.BodyLimit,
		AlwaysMarkTruncation: cfg.Forward.AlwaysMarkTruncation,
	})
	mon := monitor.New(mb, filter.New(cfg.Forward.AllowedSenders, cfg.Forward.SubjectKeywords), fw, cfg.IMAP.Folder)

	var server *inbound.Server
	if cfg.Inbound.Enabled {
		if server, err = newInboundServer(cfg, tr); err != nil {
			return fmt.Errorf("failed to set up inbound server: %w", err)
		}
	}

	slog.Info("starting mail2chat",
		"imap", cfg.IMAP.Addr(),
		"folder", cfg.IMAP.Folder,
		"transport", tr.Name(),
		"allowed_senders", len(cfg.Forward.AllowedSenders),
		"subject_keywords", strings.Join(cfg.Forward.SubjectKeywords, ","),
		"inbound_enabled", cfg.Inbound.Enabled,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, initiating shutdown", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.ListenAndServe(ctx); err != nil {
				errCh <- fmt.Errorf("inbound server: %w", err)
				cancel()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mon.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("monitor: %w", err)
			cancel()
		}
	}()

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		slog.Info("mail2chat stopped")
	}
	return errors.Join(errs...)
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with the given output
// format and level.
func setupLogger(level, format string) {
	slog.SetDefault(slog.New(newLogHandler(os.Stdout, level, format)))
}

func newLogHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newInboundServer(cfg *config.Config, tr transport.Transport) (*inbound.Server, error) {
	if parseLevel(cfg.Logging.Level) != slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	serverCfg := inbound.ServerConfig{
		ListenAddr: cfg.Inbound.Listen,
		APIKey:     cfg.Inbound.APIKey,
		Transport:  tr,
		Replier: chat.New(chat.Config{
			APIKey:      cfg.Chat.APIKey,
			BaseURL:     cfg.Chat.BaseURL,
			Model:       cfg.Chat.Model,
			HistorySize: cfg.Chat.HistorySize,
		}),
	}

	if !cfg.ChatConfigured() {
		slog.Warn("no chat API key configured, inbound replies use canned answers")
	}

	if cfg.Inbound.TLS.Enabled {
		tlsConfig, err := inbound.LoadTLS(cfg.Inbound.Listen, cfg.Inbound.TLS.CertFile, cfg.Inbound.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to set up TLS: %w", err)
		}
		serverCfg.TLSConfig = tlsConfig
	}

	return inbound.New(serverCfg), nil
}
