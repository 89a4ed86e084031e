// Package inbound receives chat gateway webhooks and answers incoming
// messages with bot commands or assistant replies.
package inbound

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/shineum/mail2chat/internal/transport"
)

// shutdownTimeout is the maximum time to wait for in-flight requests and
// background replies during graceful shutdown.
const shutdownTimeout = 30 * time.Second

const requestIDHeader = "X-Request-ID"

// ServerConfig holds the configuration for the webhook server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":8080").
	ListenAddr string

	// APIKey is required on webhook requests. If empty, requests are not
	// authenticated.
	APIKey string

	// TLSConfig enables HTTPS when set.
	TLSConfig *tls.Config

	// Transport delivers the replies.
	Transport transport.Transport

	// Replier answers messages that are not commands.
	Replier Replier
}

// Server is the HTTP server that accepts gateway webhooks.
type Server struct {
	config  ServerConfig
	auth    *Authenticator
	handler *Handler
	engine  *gin.Engine

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new webhook Server.
func New(cfg ServerConfig) *Server {
	s := &Server{
		config:  cfg,
		auth:    NewAuthenticator(cfg.APIKey),
		handler: NewHandler(cfg.Transport, cfg.Replier),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	hooks := r.Group("/webhook", s.auth.Middleware())
	{
		hooks.POST("", s.handler.Webhook)
		// Gateways configured with one URL per event append the event name.
		hooks.POST("/:event", s.handler.Webhook)
	}

	return r
}

// Handler returns the HTTP handler serving the webhook routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe starts the server and blocks until the context is
// cancelled. On cancellation it stops accepting requests and waits up to
// 30 seconds for in-flight requests and replies to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	transportName := ""
	if s.config.Transport != nil {
		transportName = s.config.Transport.Name()
	}
	slog.Info("webhook server listening",
		"addr", ln.Addr().String(),
		"transport", transportName,
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down webhook server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("webhook server shutdown incomplete", "error", err)
	}
	if err := s.handler.Wait(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached, abandoning pending replies")
	} else {
		slog.Info("all pending replies completed")
	}
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// requestLogger tags each request with an ID and logs its outcome.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)

		start := time.Now()
		c.Next()

		slog.Debug("webhook request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
