// Package monitor runs the watch-and-forward loop: on every new-mail
// notification it searches the folder, parses what arrived since monitoring
// began, and hands eligible emails to the forwarder.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shineum/mail2chat/internal/email"
	"github.com/shineum/mail2chat/internal/mailbox"
	"github.com/shineum/mail2chat/internal/parser"
)

// Mailbox is the mail source the monitor reads from.
type Mailbox interface {
	Connect(ctx context.Context) error
	OpenFolder(ctx context.Context, name string) (mailbox.FolderInfo, error)
	Search(ctx context.Context, criteria mailbox.Criteria) ([]uint32, error)
	Fetch(ctx context.Context, uids []uint32, opts mailbox.FetchOptions) ([]mailbox.Message, error)
	Watch(ctx context.Context, onNewMail func(context.Context)) error
}

// Filter decides whether an email is forwarded.
type Filter interface {
	Eligible(e *email.Email) bool
}

// Forwarder relays an eligible email.
type Forwarder interface {
	Forward(ctx context.Context, e *email.Email) error
}

// Watermark is the instant monitoring began. Emails received before it are
// never forwarded.
type Watermark struct {
	at time.Time
}

// NewWatermark returns a watermark at t, truncated to whole seconds since
// message dates carry no finer precision. An email dated within the start
// second is admitted even if it was sent a fraction of a second before t.
func NewWatermark(t time.Time) Watermark {
	return Watermark{at: t.Truncate(time.Second)}
}

// Time returns the watermark instant.
func (w Watermark) Time() time.Time {
	return w.at
}

// Admits reports whether a message dated t may be forwarded.
func (w Watermark) Admits(t time.Time) bool {
	return !t.Before(w.at)
}

// Result counts what one ProcessNewEmails call did.
type Result struct {
	Fetched    int
	Forwarded  int
	Old        int
	Ineligible int
	Failed     int
}

func (r *Result) add(o Result) {
	r.Fetched += o.Fetched
	r.Forwarded += o.Forwarded
	r.Old += o.Old
	r.Ineligible += o.Ineligible
	r.Failed += o.Failed
}

// Monitor owns the watch loop. Only one batch runs at a time.
type Monitor struct {
	mailbox   Mailbox
	filter    Filter
	forwarder Forwarder
	folder    string

	now   func() time.Time
	parse func(raw []byte) (*email.Email, error)

	mu      sync.Mutex
	running bool
	pending bool
}

// New creates a Monitor watching folder.
func New(mb Mailbox, f Filter, fw Forwarder, folder string) *Monitor {
	return &Monitor{
		mailbox:   mb,
		filter:    f,
		forwarder: fw,
		folder:    folder,
		now:       time.Now,
		parse:     parser.Parse,
	}
}

// Start records the watermark, opens the folder and processes new mail
// until ctx is cancelled. A mailbox that cannot be reached at startup is
// logged and retried with backoff by Watch.
func (m *Monitor) Start(ctx context.Context) error {
	wm := NewWatermark(m.now())
	slog.Info("starting email monitor", "watermark", wm.Time().Format(time.RFC3339))

	if err := m.mailbox.Connect(ctx); err != nil {
		slog.Error("failed to connect to mailbox, will retry", "error", err)
	}
	// The folder is remembered even when it cannot be selected yet.
	if info, err := m.mailbox.OpenFolder(ctx, m.folder); err != nil {
		slog.Error("failed to open folder, will retry", "folder", m.folder, "error", err)
	} else {
		slog.Info("watching folder for new emails",
			"folder", info.Name,
			"messages", info.Messages,
		)
	}

	return m.mailbox.Watch(ctx, func(ctx context.Context) {
		m.ProcessNewEmails(ctx, wm)
	})
}

// ProcessNewEmails runs one batch against wm. A call arriving while another
// batch is running returns immediately and makes the running call go once
// more, so bursts of notifications are coalesced and none is lost. The
// returned Result covers every batch run by this call.
func (m *Monitor) ProcessNewEmails(ctx context.Context, wm Watermark) Result {
	m.mu.Lock()
	if m.running {
		m.pending = true
		m.mu.Unlock()
		slog.Debug("batch already running, coalescing notification")
		return Result{}
	}
	m.running = true
	m.mu.Unlock()

	var total Result
	for {
		total.add(m.processBatch(ctx, wm))

		m.mu.Lock()
		if !m.pending || ctx.Err() != nil {
			m.running = false
			m.pending = false
			m.mu.Unlock()
			return total
		}
		m.pending = false
		m.mu.Unlock()
	}
}

func (m *Monitor) processBatch(ctx context.Context, wm Watermark) Result {
	var res Result

	uids, err := m.mailbox.Search(ctx, mailbox.Criteria{Unseen: true, Since: wm.Time()})
	if err != nil {
		slog.Error("failed to search for new emails", "error", err)
		return res
	}
	if len(uids) == 0 {
		slog.Debug("no new emails")
		return res
	}
	slog.Info("found new emails", "count", len(uids))

	msgs, err := m.mailbox.Fetch(ctx, uids, mailbox.FetchOptions{MarkSeen: true})
	if err != nil {
		slog.Error("failed to fetch emails", "error", err, "fetched", len(msgs))
	}
	res.Fetched = len(msgs)

	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		m.processMessage(ctx, wm, msg, &res)
	}

	slog.Info("finished processing new emails",
		"fetched", res.Fetched,
		"forwarded", res.Forwarded,
		"skipped", res.Old+res.Ineligible,
		"failed", res.Failed,
	)
	return res
}

func (m *Monitor) processMessage(ctx context.Context, wm Watermark, msg mailbox.Message, res *Result) {
	if msg.Err != nil {
		slog.Error("failed to read email", "uid", msg.UID, "error", msg.Err)
		res.Failed++
		return
	}

	e, err := m.parse(msg.Raw)
	if err != nil {
		slog.Error("failed to parse email", "uid", msg.UID, "error", err)
		res.Failed++
		return
	}
	e.UID = msg.UID

	date := e.Date
	if date.IsZero() {
		date = msg.InternalDate
	}
	if !wm.Admits(date) {
		slog.Debug("email is older than monitoring start, skipping",
			"uid", msg.UID,
			"date", date,
		)
		res.Old++
		return
	}

	if !m.filter.Eligible(e) {
		slog.Info("email does not match filter, skipping",
			"uid", msg.UID,
			"from", e.From(),
			"subject", e.Subject,
		)
		res.Ineligible++
		return
	}

	slog.Info("email matches filter, forwarding",
		"uid", msg.UID,
		"from", e.From(),
		"subject", e.Subject,
	)
	if err := m.forwarder.Forward(ctx, e); err != nil {
		slog.Warn("email forwarded with errors", "uid", msg.UID, "error", err)
		res.Failed++
		return
	}
	res.Forwarded++
}
