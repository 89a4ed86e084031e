// Package ses implements a Transport that relays forwarded messages to a
// mailbox via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mail2chat/internal/transport"
	"github.com/shineum/mail2chat/internal/transport/mailrelay"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Transport.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// Transport sends forwarded content as email via the AWS SES v2 API. The
// destination passed to SendText and SendMedia is a recipient address.
type Transport struct {
	sender    string
	client    SendEmailAPI
	baseDelay time.Duration
	now       func() time.Time
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new Transport with the given configuration.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Transport with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *Transport {
	return &Transport{
		sender:    sender,
		client:    client,
		baseDelay: baseRetryDelay,
		now:       time.Now,
	}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "ses"
}

// SendText delivers the text using the SES simple email format. The subject
// is derived from the first line of the text.
func (t *Transport) SendText(ctx context.Context, to, text string) error {
	return t.send(ctx, buildSimpleInput(t.sender, to, text))
}

// SendMedia delivers the staged file as a raw MIME message with one
// attachment.
func (t *Transport) SendMedia(ctx context.Context, to string, m transport.Media) error {
	raw, err := mailrelay.ComposeMedia(t.sender, to, m, t.now())
	if err != nil {
		return fmt.Errorf("failed to build raw message: %w", err)
	}

	return t.send(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(t.sender),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: raw,
			},
		},
	})
}

// send calls SendEmail with retries and exponential backoff.
func (t *Transport) send(ctx context.Context, input *sesv2.SendEmailInput) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			delay := t.backoffDelay(attempt)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := t.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// buildSimpleInput creates a SES SendEmailInput for a plain text message.
func buildSimpleInput(sender, to, text string) *sesv2.SendEmailInput {
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(mailrelay.Subject(text)),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(text),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (t *Transport) backoffDelay(attempt int) time.Duration {
	delay := t.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
