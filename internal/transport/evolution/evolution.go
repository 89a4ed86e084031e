package evolution

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
	"strings"
	"time"

	"github.com/shineum/mail2chat/internal/transport"
)

// Config holds the configuration for creating a Transport.
type Config struct {
	APIURL   string
	APIKey   string
	Instance string
}

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Transport sends WhatsApp messages via the Evolution API gateway.
type Transport struct {
	baseURL    string
	apiKey     string
	instance   string
	httpClient *http.Client
	baseDelay  time.Duration
}

// New creates a new Transport with the given configuration.
func New(cfg Config) *Transport {
	return newWithClient(cfg, &http.Client{Timeout: 60 * time.Second})
}

// newWithClient creates a Transport with a custom HTTP client, used for testing.
func newWithClient(cfg Config, client *http.Client) *Transport {
	return &Transport{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		apiKey:     cfg.APIKey,
		instance:   cfg.Instance,
		httpClient: client,
		baseDelay:  baseRetryDelay,
	}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "evolution"
}

// SendText delivers a text message to the given number or group id.
func (t *Transport) SendText(ctx context.Context, to, text string) error {
	body, err := json.Marshal(sendTextRequest{Number: to, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	return t.send(ctx, "sendText", body)
}

// SendMedia reads the staged file and delivers it inline as base64. Audio
// goes out as a voice note; every other kind uses the generic media endpoint.
func (t *Transport) SendMedia(ctx context.Context, to string, m transport.Media) error {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return fmt.Errorf("failed to read staged file: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	var (
		endpoint string
		payload  any
	)
	if m.Kind == transport.KindAudio {
		endpoint = "sendWhatsAppAudio"
		payload = sendAudioRequest{Number: to, Audio: encoded}
	} else {
		endpoint = "sendMedia"
		payload = sendMediaRequest{
			Number:    to,
			MediaType: string(m.Kind),
			MIMEType:  m.MIMEType,
			Caption:   m.Caption,
			Media:     encoded,
			FileName:  m.FileName,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	return t.send(ctx, endpoint, body)
}

// send posts body to the named message endpoint, retrying transient
// failures with exponential backoff and honouring Retry-After on HTTP 429.
func (t *Transport) send(ctx context.Context, endpoint string, body []byte) error {
	endpointURL := fmt.Sprintf("%s/message/%s/%s", t.baseURL, endpoint, url.PathEscape(t.instance))

	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying Evolution API request",
				"endpoint", endpoint,
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		err := t.doRequest(ctx, endpointURL, body)
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
		case sendErr.statusCode == http.StatusTooManyRequests:
			delay := t.retryAfterDelay(sendErr.retryAfter, attempt)
			slog.Info("rate limited by Evolution API",
				"retry_after", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		case sendErr.transient:
			delay := t.backoffDelay(attempt)
			slog.Info("transient Evolution API error, retrying",
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

	return fmt.Errorf("Evolution API request failed after %d retries: %w", maxRetries, lastErr)
}

// doRequest performs a single HTTP request to the gateway.
func (t *Transport) doRequest(ctx context.Context, endpointURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return classifyError(resp.StatusCode, errorMessage(respBody), resp.Header.Get("Retry-After"))
}

// errorMessage extracts a readable message from a gateway error body.
func errorMessage(body []byte) string {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		switch msg := errResp.Response.Message.(type) {
		case string:
			if msg != "" {
				return msg
			}
		case []any:
			parts := make([]string, 0, len(msg))
			for _, p := range msg {
				parts = append(parts, fmt.Sprint(p))
			}
			if len(parts) > 0 {
				return strings.Join(parts, "; ")
			}
		}
		if errResp.Error != "" {
			return errResp.Error
		}
	}
	return strings.TrimSpace(string(body))
}

// sendError represents an error from the gateway with classification for
// retry logic.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Evolution API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusRequestTimeout:
		err.transient = true
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	default:
		// 400 bad number, 401/403 bad key, 404 unknown instance
		err.permanent = true
	}

	return err
}

// retryAfterDelay parses the Retry-After header value and returns the appropriate delay.
// Falls back to exponential backoff if the header is missing or unparseable.
func (t *Transport) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter == "" {
		return t.backoffDelay(attempt)
	}

	seconds, err := strconv.Atoi(retryAfter)
	if err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return t.backoffDelay(attempt)
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
// With the default base the delays are 1s, 2s, 4s.
func (t *Transport) backoffDelay(attempt int) time.Duration {
	delay := t.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
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
