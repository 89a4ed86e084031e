package inbound

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/shineum/mail2chat/internal/transport"
)

const (
	menuText = "*BOT MENU*\n\n" +
		"!menu - Show this menu\n" +
		"!ping - Test the bot\n" +
		"Send any other message to ask the AI"
	pongText           = "Pong! 🏓"
	unknownCommandText = "Unknown command. Type !menu to see the menu."
	apologyText        = "Sorry, something went wrong while processing your message."
)

// Replier produces an answer to a free-form chat message.
type Replier interface {
	Reply(ctx context.Context, userID, text string) string
}

// Handler answers incoming chat messages through the transport. Messages
// are processed in the background after the webhook is acknowledged.
type Handler struct {
	transport transport.Transport
	replier   Replier
	baseCtx   context.Context

	wg sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(tr transport.Transport, r Replier) *Handler {
	return &Handler{
		transport: tr,
		replier:   r,
		baseCtx:   context.Background(),
	}
}

// Webhook accepts a gateway event, acknowledges it and processes the
// contained messages in order on a background goroutine.
func (h *Handler) Webhook(c *gin.Context) {
	var ev webhookEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if !ev.isMessagesUpsert() {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	msgs, err := ev.messages()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var accepted []incomingMessage
	for _, m := range msgs {
		if m.Key.FromMe || m.Key.RemoteJID == "" || strings.TrimSpace(m.text()) == "" {
			continue
		}
		accepted = append(accepted, m)
	}

	if len(accepted) > 0 {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for _, m := range accepted {
				h.handleMessage(h.baseCtx, m.Key.RemoteJID, m.text())
			}
		}()
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "accepted": len(accepted)})
}

func (h *Handler) handleMessage(ctx context.Context, sender, text string) {
	slog.Info("received chat message", "from", sender, "length", len(text))

	reply := h.respond(ctx, sender, text)
	if err := h.transport.SendText(ctx, sender, reply); err != nil {
		slog.Error("failed to send reply", "to", sender, "error", err)
		if err := h.transport.SendText(ctx, sender, apologyText); err != nil {
			slog.Error("failed to send apology", "to", sender, "error", err)
		}
	}
}

// respond handles "!" commands and passes anything else to the replier.
func (h *Handler) respond(ctx context.Context, sender, text string) string {
	if !strings.HasPrefix(text, "!") {
		return h.replier.Reply(ctx, sender, text)
	}

	switch strings.ToLower(strings.TrimSpace(text[1:])) {
	case "menu":
		return menuText
	case "ping":
		return pongText
	default:
		return unknownCommandText
	}
}

// Wait blocks until background processing finishes or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
