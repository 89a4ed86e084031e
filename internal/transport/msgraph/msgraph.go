// Package msgraph implements a Transport that relays forwarded content as
// email through the Microsoft Graph sendMail API. The destination passed to
// SendText and SendMedia is a recipient address.
package msgraph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/shineum/mail2chat/internal/transport"
	"github.com/shineum/mail2chat/internal/transport/mailrelay"
)

// Config holds the app registration and mailbox used for sending.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

const (
	maxRetries     = 3
	baseRetryDelay = 1 * time.Second
)

// Transport sends mail as Sender using client-credentials OAuth2.
type Transport struct {
	sendURL    string
	httpClient *http.Client
	tokens     *tokenSource
	baseDelay  time.Duration
}

// New creates a new Transport with the given configuration.
func New(cfg Config) *Transport {
	client := &http.Client{Timeout: 60 * time.Second}
	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID))
	sendURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender))
	return newWithEndpoints(cfg, sendURL, tokenURL, client)
}

func newWithEndpoints(cfg Config, sendURL, tokenURL string, client *http.Client) *Transport {
	return &Transport{
		sendURL:    sendURL,
		httpClient: client,
		tokens:     newTokenSource(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		baseDelay:  baseRetryDelay,
	}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "msgraph"
}

// SendText sends the text as a plain text email. The subject is derived
// from its first line.
func (t *Transport) SendText(ctx context.Context, to, text string) error {
	return t.send(ctx, mailMessage{
		Subject:      mailrelay.Subject(text),
		Body:         itemBody{ContentType: "text", Content: text},
		ToRecipients: []recipient{{EmailAddress: emailAddress{Address: to}}},
	})
}

// SendMedia sends the staged file as a file attachment with the caption as
// the body.
func (t *Transport) SendMedia(ctx context.Context, to string, m transport.Media) error {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return fmt.Errorf("failed to read staged file: %w", err)
	}

	caption := m.Caption
	if caption == "" {
		caption = m.DisplayName()
	}
	mimeType := m.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return t.send(ctx, mailMessage{
		Subject:      mailrelay.Subject(caption),
		Body:         itemBody{ContentType: "text", Content: caption},
		ToRecipients: []recipient{{EmailAddress: emailAddress{Address: to}}},
		Attachments: []fileAttachment{{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         mailrelay.AttachmentName(m),
			ContentType:  mimeType,
			ContentBytes: base64.StdEncoding.EncodeToString(data),
		}},
	})
}

// send posts the message, refreshing the token once on HTTP 401 and
// retrying throttled or transient failures with backoff.
func (t *Transport) send(ctx context.Context, msg mailMessage) error {
	body, err := json.Marshal(sendMailRequest{Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error
	refreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := t.doRequest(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err

		var sendErr *sendError
		if !errors.As(err, &sendErr) {
			return err
		}

		switch {
		case sendErr.permanent:
			return sendErr
		case sendErr.statusCode == http.StatusUnauthorized && !refreshed:
			slog.Info("refreshing Graph API token after 401")
			t.tokens.Invalidate()
			refreshed = true
			continue
		case sendErr.statusCode == http.StatusTooManyRequests:
			delay := t.retryAfterDelay(sendErr.retryAfter, attempt)
			slog.Info("rate limited by Graph API", "retry_after", delay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		case sendErr.transient:
			delay := t.backoffDelay(attempt)
			slog.Info("transient Graph API error, retrying",
				"status", sendErr.statusCode,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		default:
			return sendErr
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

func (t *Transport) doRequest(ctx context.Context, body []byte) error {
	token, err := t.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.sendURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sendError{message: fmt.Sprintf("HTTP request failed: %v", err), transient: true}
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	message := string(respBody)
	var errResp errorResponse
	if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return classifyError(resp.StatusCode, message, resp.Header.Get("Retry-After"))
}

// sendError is a failed sendMail call classified for retry decisions.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{message: message, statusCode: statusCode, retryAfter: retryAfter}
	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}
	return err
}

func (t *Transport) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return t.backoffDelay(attempt)
}

func (t *Transport) backoffDelay(attempt int) time.Duration {
	return t.baseDelay << attempt
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
