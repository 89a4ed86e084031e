// Package chat answers free-form messages through an OpenAI-compatible chat
// completions API, keeping a short per-user conversation history. Without an
// API key, or when the API fails, it falls back to canned replies.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-3.5-turbo"

	defaultMaxTokens   = 300
	defaultTemperature = 0.7
	requestTimeout     = 30 * time.Second

	systemPrompt = "You are a friendly and helpful chat assistant. Answer naturally and briefly " +
		"(at most 2-3 sentences), in the language the user writes in. Remember the earlier " +
		"conversation to give more personal answers."
)

// Replies for API failures that should not fall back to canned answers.
const (
	replyInvalidKey  = "🔑 The AI API key is invalid. Please contact the administrator."
	replyRateLimited = "⏰ Too many requests to the AI service. Please wait a moment."
	replyQuota       = "💳 The AI quota is exhausted. Please contact the administrator."
	replyTimeout     = "⏳ The AI service timed out. Please try again later."
	replyEmpty       = "Sorry, the AI returned no response."
)

// Config holds the settings for creating an Assistant.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	HistorySize int
}

// Assistant generates replies for chat users.
type Assistant struct {
	apiKey  string
	baseURL string
	model   string
	history *History
	client  *http.Client
	pick    func(n int) int
}

// New creates an Assistant with the given configuration.
func New(cfg Config) *Assistant {
	return newWithClient(cfg, &http.Client{Timeout: requestTimeout})
}

func newWithClient(cfg Config, client *http.Client) *Assistant {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Assistant{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		history: NewHistory(cfg.HistorySize),
		client:  client,
		pick:    rand.Intn,
	}
}

// History returns the per-user conversation store.
func (a *Assistant) History() *History {
	return a.history
}

// Reply answers text from userID. It never fails: API errors are turned
// into an explanatory reply or a canned answer.
func (a *Assistant) Reply(ctx context.Context, userID, text string) string {
	if isClearRequest(text) {
		a.history.Clear(userID)
		slog.Info("cleared chat history", "user", userID)
		return clearedReply
	}

	if a.apiKey == "" {
		slog.Debug("no AI API key, using fallback reply", "user", userID)
		return a.fallback(userID, text)
	}

	answer, err := a.complete(ctx, userID, text)
	if err == nil {
		a.history.Add(userID,
			Message{Role: RoleUser, Content: text},
			Message{Role: RoleAssistant, Content: answer},
		)
		return answer
	}

	slog.Error("chat completion failed", "user", userID, "error", err)

	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch apiErr.status {
		case http.StatusUnauthorized:
			return replyInvalidKey
		case http.StatusTooManyRequests:
			return replyRateLimited
		case http.StatusPaymentRequired:
			return replyQuota
		}
	}
	if isTimeout(err) {
		return replyTimeout
	}
	return a.fallback(userID, text)
}

func (a *Assistant) fallback(userID, text string) string {
	hasHistory := len(a.history.Get(userID)) > 0
	answer := fallbackReply(text, hasHistory, a.pick)
	a.history.Add(userID,
		Message{Role: RoleUser, Content: text},
		Message{Role: RoleAssistant, Content: answer},
	)
	return answer
}

// complete calls the chat completions endpoint with the system prompt, the
// user's history and the new message.
func (a *Assistant) complete(ctx context.Context, userID, text string) (string, error) {
	messages := []Message{{Role: RoleSystem, Content: systemPrompt}}
	messages = append(messages, a.history.Get(userID)...)
	messages = append(messages, Message{Role: RoleUser, Content: text})

	body, err := json.Marshal(completionRequest{
		Model:       a.model,
		Messages:    messages,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &apiError{status: resp.StatusCode, message: errorMessage(respBody)}
	}

	var result completionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return replyEmpty, nil
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// apiError is a non-2xx answer from the completions API.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("chat API error (HTTP %d): %s", e.status, e.message)
}

func errorMessage(body []byte) string {
	var resp errorResponse
	if json.Unmarshal(body, &resp) == nil && resp.Error.Message != "" {
		return resp.Error.Message
	}
	return string(body)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
