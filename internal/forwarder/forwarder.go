// Package forwarder turns an eligible email into outbound chat messages: a
// summary text first, then each attachment in order.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/shineum/mail2chat/internal/email"
	"github.com/shineum/mail2chat/internal/stager"
	"github.com/shineum/mail2chat/internal/transport"
)

// DefaultBodyLimit is the number of body characters included in the summary.
const DefaultBodyLimit = 500

const (
	truncationMarker = "..."
	noTextContent    = "No text content"
	dateLayout       = "Mon, 02 Jan 2006 15:04:05 -0700"
)

// Stager stages attachments for sending.
type Stager interface {
	Stage(att email.Attachment) (*stager.Staged, error)
}

// Options configures a Forwarder.
type Options struct {
	// Target is the destination every message is sent to.
	Target    string
	BodyLimit int
	// AlwaysMarkTruncation appends the marker after the body excerpt even
	// when nothing was cut.
	AlwaysMarkTruncation bool
}

// Forwarder relays emails through a transport.
type Forwarder struct {
	transport  transport.Transport
	stager     Stager
	target     string
	bodyLimit  int
	alwaysMark bool
}

// New creates a Forwarder.
func New(tr transport.Transport, st Stager, opts Options) *Forwarder {
	limit := opts.BodyLimit
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	return &Forwarder{
		transport:  tr,
		stager:     st,
		target:     opts.Target,
		bodyLimit:  limit,
		alwaysMark: opts.AlwaysMarkTruncation,
	}
}

// Forward sends the summary text and then every attachment, strictly in
// order. A failed step does not stop the remaining ones; all failures are
// returned joined. Rejected attachments are replaced by a notice and are
// not failures.
func (f *Forwarder) Forward(ctx context.Context, e *email.Email) error {
	var errs []error

	text := Format(e, f.bodyLimit, f.alwaysMark)
	if err := f.transport.SendText(ctx, f.target, text); err != nil {
		slog.Error("failed to send email summary",
			"uid", e.UID,
			"subject", e.Subject,
			"transport", f.transport.Name(),
			"error", err,
		)
		errs = append(errs, fmt.Errorf("summary: %w", err))
	} else {
		slog.Info("forwarded email summary",
			"uid", e.UID,
			"subject", e.Subject,
			"attachments", len(e.Attachments),
		)
	}

	if len(e.Attachments) > 0 {
		slog.Info("processing attachments", "uid", e.UID, "count", len(e.Attachments))
	}
	for _, att := range e.Attachments {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := f.forwardAttachment(ctx, att); err != nil {
			errs = append(errs, fmt.Errorf("attachment %q: %w", att.Filename, err))
		}
	}

	return errors.Join(errs...)
}

// forwardAttachment stages one attachment and sends it. The staged file is
// released as soon as the send returns.
func (f *Forwarder) forwardAttachment(ctx context.Context, att email.Attachment) error {
	staged, err := f.stager.Stage(att)
	if err != nil {
		var rejection *stager.Rejection
		if errors.As(err, &rejection) {
			slog.Warn("attachment rejected",
				"filename", att.Filename,
				"reason", rejection.Reason,
				"size", att.Size,
				"content_type", att.ContentType,
			)
			if sendErr := f.transport.SendText(ctx, f.target, rejection.Notice); sendErr != nil {
				return fmt.Errorf("failed to send rejection notice: %w", sendErr)
			}
			return nil
		}

		slog.Error("failed to stage attachment", "filename", att.Filename, "error", err)
		return f.reportFailure(ctx, att, err)
	}

	sendErr := f.transport.SendMedia(ctx, f.target, staged.Media)
	if err := staged.Release(); err != nil {
		slog.Warn("failed to release staged attachment", "path", staged.Media.Path, "error", err)
	}
	if sendErr != nil {
		slog.Error("failed to send attachment",
			"filename", att.Filename,
			"transport", f.transport.Name(),
			"error", sendErr,
		)
		return f.reportFailure(ctx, att, sendErr)
	}

	slog.Info("forwarded attachment",
		"filename", att.Filename,
		"kind", staged.Media.Kind,
		"size", att.Size,
	)
	return nil
}

// reportFailure tells the target that an attachment could not be delivered
// and returns the cause.
func (f *Forwarder) reportFailure(ctx context.Context, att email.Attachment, cause error) error {
	notice := fmt.Sprintf("❌ Failed to process file %q: %v", att.Filename, cause)
	if err := f.transport.SendText(ctx, f.target, notice); err != nil {
		slog.Error("failed to send failure notice", "filename", att.Filename, "error", err)
		return errors.Join(cause, err)
	}
	return cause
}

// Format builds the summary text for an email: a header block, the
// attachment list when there are attachments, and the body excerpt capped
// at limit characters.
func Format(e *email.Email, limit int, alwaysMark bool) string {
	var b strings.Builder

	b.WriteString("*📧 New Email Notification*\n\n")
	fmt.Fprintf(&b, "*From:* %s\n", e.From())
	fmt.Fprintf(&b, "*Subject:* %s\n", e.Subject)
	fmt.Fprintf(&b, "*Date:* %s\n", formatDate(e))

	if n := len(e.Attachments); n > 0 {
		fmt.Fprintf(&b, "*Attachments:* %d file(s)\n", n)
		for i, att := range e.Attachments {
			fmt.Fprintf(&b, "   %d. %s (%.2fKB)\n", i+1, att.Filename, float64(att.Size)/1024)
		}
	}

	b.WriteString("-------------------\n")

	body, cut := excerpt(e.TextBody, limit)
	if body == "" {
		body = noTextContent
	}
	b.WriteString(body)
	if cut || alwaysMark {
		b.WriteString(truncationMarker)
	}

	return b.String()
}

func formatDate(e *email.Email) string {
	if e.Date.IsZero() {
		return "unknown"
	}
	return e.Date.Format(dateLayout)
}

// excerpt returns the first limit characters of s and whether anything was
// cut.
func excerpt(s string, limit int) (string, bool) {
	if utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:limit]), true
}
