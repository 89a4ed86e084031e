// Package mailbox is the mail source adapter: it keeps an IMAP connection to
// the watched folder, searches and fetches messages, and reports new mail
// through IDLE.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

const (
	minReconnectDelay = 1 * time.Second
	maxReconnectDelay = 5 * time.Minute

	// fetchBuffer is the channel size for fetched messages.
	fetchBuffer = 10
	// updateBuffer keeps the client reader from blocking on unilateral updates.
	updateBuffer = 32
)

// ErrNotConnected is returned by operations that need an open connection.
var ErrNotConnected = errors.New("mailbox: not connected")

// Config holds the connection settings.
type Config struct {
	Addr     string
	Username string
	Password string
	// TLS selects implicit TLS. Otherwise the connection is upgraded with
	// STARTTLS when the server offers it.
	TLS bool
	// InsecureSkipVerify accepts any server certificate, for self-hosted
	// servers with private certificates.
	InsecureSkipVerify bool
	// TLSConfig overrides the configuration derived from Addr.
	TLSConfig *tls.Config
	// PollInterval is used by servers without IDLE support.
	PollInterval time.Duration
}

// FolderInfo describes an opened folder.
type FolderInfo struct {
	Name        string
	Messages    uint32
	Recent      uint32
	UIDNext     uint32
	UIDValidity uint32
}

// Criteria selects messages in Search.
type Criteria struct {
	Unseen bool
	// Since matches messages received on or after this day. IMAP compares
	// dates only, so callers re-check the exact time after fetching.
	Since time.Time
}

// FetchOptions controls Fetch.
type FetchOptions struct {
	// MarkSeen flags every fetched message \Seen before Fetch returns.
	MarkSeen bool
}

// Message is one fetched message. Err is set when the server returned the
// message without a body.
type Message struct {
	UID          uint32
	InternalDate time.Time
	Raw          []byte
	Err          error
}

// Summary is the envelope of a message, used by the connection check.
type Summary struct {
	UID     uint32
	From    string
	Subject string
	Date    time.Time
}

// Client is an IMAP mail source. Search, Fetch and Recent must not be called
// concurrently with an active Watch except from its onNewMail handler.
type Client struct {
	cfg    Config
	folder string

	mu   sync.Mutex
	conn *client.Client

	notify   chan struct{}
	dial     func() (*client.Client, error)
	uidFetch func(conn *client.Client, seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error

	minBackoff time.Duration
	maxBackoff time.Duration
}

// New creates a Client. No connection is made until Connect.
func New(cfg Config) *Client {
	c := &Client{
		cfg:        cfg,
		notify:     make(chan struct{}, 1),
		minBackoff: minReconnectDelay,
		maxBackoff: maxReconnectDelay,
	}
	c.dial = c.dialServer
	c.uidFetch = (*client.Client).UidFetch
	return c
}

func (c *Client) dialServer() (*client.Client, error) {
	tlsConfig := c.tlsConfig()
	if c.cfg.TLS {
		return client.DialTLS(c.cfg.Addr, tlsConfig)
	}
	conn, err := client.Dial(c.cfg.Addr)
	if err != nil {
		return nil, err
	}
	if ok, err := conn.SupportStartTLS(); err == nil && ok {
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Logout()
			return nil, fmt.Errorf("STARTTLS failed: %w", err)
		}
	}
	return conn, nil
}

func (c *Client) tlsConfig() *tls.Config {
	if c.cfg.TLSConfig != nil {
		return c.cfg.TLSConfig
	}
	host, _, err := net.SplitHostPort(c.cfg.Addr)
	if err != nil {
		host = c.cfg.Addr
	}
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify, //nolint:gosec // opt-in via IMAP_INSECURE_SKIP_VERIFY
	}
}

// Connect dials the server and logs in. An existing connection is closed
// first.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.Addr, err)
	}
	conn.ErrorLog = slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn)

	updates := make(chan client.Update, updateBuffer)
	conn.Updates = updates
	go c.drain(conn, updates)

	if err := conn.Login(c.cfg.Username, c.cfg.Password); err != nil {
		conn.Logout()
		return fmt.Errorf("failed to log in as %s: %w", c.cfg.Username, err)
	}

	c.conn = conn
	slog.Info("connected to mailbox", "addr", c.cfg.Addr, "username", c.cfg.Username)
	return nil
}

// drain consumes unilateral updates for one connection until it closes.
// New messages show up as mailbox updates (EXISTS).
func (c *Client) drain(conn *client.Client, updates <-chan client.Update) {
	for {
		select {
		case u := <-updates:
			if _, ok := u.(*client.MailboxUpdate); ok {
				c.signal()
			}
		case <-conn.LoggedOut():
			return
		}
	}
}

func (c *Client) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// OpenFolder selects the folder read-write. The name is remembered for
// reconnects even when selecting fails, so Watch can retry it.
func (c *Client) OpenFolder(ctx context.Context, name string) (FolderInfo, error) {
	c.mu.Lock()
	c.folder = name
	c.mu.Unlock()

	conn, err := c.current(ctx)
	if err != nil {
		return FolderInfo{}, err
	}

	status, err := conn.Select(name, false)
	if err != nil {
		return FolderInfo{}, fmt.Errorf("failed to open folder %s: %w", name, err)
	}

	return FolderInfo{
		Name:        status.Name,
		Messages:    status.Messages,
		Recent:      status.Recent,
		UIDNext:     status.UidNext,
		UIDValidity: status.UidValidity,
	}, nil
}

// Search returns the UIDs of messages matching the criteria.
func (c *Client) Search(ctx context.Context, criteria Criteria) ([]uint32, error) {
	conn, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	uids, err := conn.UidSearch(searchCriteria(criteria))
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return uids, nil
}

// searchCriteria converts Criteria to the go-imap form.
func searchCriteria(criteria Criteria) *imap.SearchCriteria {
	sc := imap.NewSearchCriteria()
	if criteria.Unseen {
		sc.WithoutFlags = []string{imap.SeenFlag}
	}
	if !criteria.Since.IsZero() {
		// SINCE compares against the server's idea of the date, which may lag
		// the local one. Going back a day never loses mail.
		y, m, d := criteria.Since.Date()
		sc.Since = time.Date(y, m, d-1, 0, 0, 0, 0, time.UTC)
	}
	return sc
}

// Fetch downloads the full source of each message. Bodies are fetched with
// BODY.PEEK and flagged \Seen explicitly when opts.MarkSeen is set, so the
// flag is on the server before the next Search. Messages read before a
// fetch-level error are still flagged and returned along with the error. If
// flagging fails no messages are returned: they stay unseen and are picked
// up by a later Search instead of being handed out twice.
func (c *Client) Fetch(ctx context.Context, uids []uint32, opts FetchOptions) ([]Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	conn, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *imap.Message, fetchBuffer)
	done := make(chan error, 1)
	go func() {
		done <- c.uidFetch(conn, seqset, items, ch)
	}()

	var messages []Message
	read := new(imap.SeqSet)
	for msg := range ch {
		m := Message{UID: msg.Uid, InternalDate: msg.InternalDate}
		body := msg.GetBody(section)
		if body == nil {
			m.Err = fmt.Errorf("message %d: server returned no body", msg.Uid)
		} else if m.Raw, err = io.ReadAll(body); err != nil {
			m.Err = fmt.Errorf("message %d: failed to read body: %w", msg.Uid, err)
		} else {
			read.AddNum(msg.Uid)
		}
		messages = append(messages, m)
	}
	fetchErr := <-done

	if opts.MarkSeen && !read.Empty() {
		flags := []interface{}{imap.SeenFlag}
		if err := conn.UidStore(read, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
			return nil, errors.Join(fetchErr, fmt.Errorf("failed to mark messages seen: %w", err))
		}
	}

	if fetchErr != nil {
		return messages, fmt.Errorf("fetch failed: %w", fetchErr)
	}
	return messages, nil
}

// Recent returns the envelopes of the n most recent messages in the open
// folder, newest last.
func (c *Client) Recent(ctx context.Context, n int) ([]Summary, error) {
	conn, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	mbox := conn.Mailbox()
	if mbox == nil {
		return nil, errors.New("no folder selected")
	}
	if mbox.Messages == 0 || n <= 0 {
		return nil, nil
	}

	from := uint32(1)
	if mbox.Messages > uint32(n) {
		from = mbox.Messages - uint32(n) + 1
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, mbox.Messages)

	ch := make(chan *imap.Message, fetchBuffer)
	done := make(chan error, 1)
	go func() {
		done <- conn.Fetch(seqset, []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope}, ch)
	}()

	var out []Summary
	for msg := range ch {
		out = append(out, summarize(msg))
	}
	if err := <-done; err != nil {
		return out, fmt.Errorf("fetch failed: %w", err)
	}
	return out, nil
}

func summarize(msg *imap.Message) Summary {
	s := Summary{UID: msg.Uid}
	if env := msg.Envelope; env != nil {
		s.Subject = env.Subject
		s.Date = env.Date
		if len(env.From) > 0 {
			from := env.From[0]
			s.From = from.Address()
			if from.PersonalName != "" {
				s.From = fmt.Sprintf("%s <%s>", from.PersonalName, s.From)
			}
		}
	}
	return s
}

// Watch idles on the open folder and calls onNewMail whenever the server
// reports new messages, and once after every (re)connect to catch up on mail
// that arrived meanwhile. IDLE is stopped while onNewMail runs, so the handler
// may use Search and Fetch. Lost connections are re-established with
// exponential backoff. Watch returns when ctx is cancelled.
func (c *Client) Watch(ctx context.Context, onNewMail func(context.Context)) error {
	opts := &client.IdleOptions{PollInterval: c.cfg.PollInterval}
	delay := c.minBackoff
	catchUp := true

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, reconnected, err := c.ensureSelected(ctx)
		if err != nil {
			slog.Error("mailbox connection failed",
				"addr", c.cfg.Addr,
				"retry_in", delay,
				"error", err,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return err
			}
			delay = min(delay*2, c.maxBackoff)
			continue
		}
		delay = c.minBackoff

		if catchUp || reconnected {
			catchUp = false
			onNewMail(ctx)
			continue
		}

		stop := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- conn.Idle(stop, opts)
		}()

		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return ctx.Err()
		case <-c.notify:
			close(stop)
			if err := <-done; err != nil {
				slog.Warn("IDLE ended with error", "error", err)
				c.drop()
				continue
			}
			onNewMail(ctx)
		case err := <-done:
			close(stop)
			if err != nil {
				slog.Warn("IDLE ended with error", "error", err)
				c.drop()
			}
		}
	}
}

// ensureSelected returns a connection with the folder selected, connecting
// again when the previous one was lost.
func (c *Client) ensureSelected(ctx context.Context) (*client.Client, bool, error) {
	c.mu.Lock()
	conn, folder := c.conn, c.folder
	c.mu.Unlock()

	if conn != nil && conn.State() == imap.SelectedState {
		return conn, false, nil
	}
	if folder == "" {
		return nil, false, errors.New("no folder opened")
	}

	if err := c.Connect(ctx); err != nil {
		return nil, false, err
	}
	if _, err := c.OpenFolder(ctx, folder); err != nil {
		c.drop()
		return nil, false, err
	}

	c.mu.Lock()
	conn = c.conn
	c.mu.Unlock()
	slog.Info("reconnected to mailbox", "folder", folder)
	return conn, true, nil
}

func (c *Client) current(ctx context.Context) (*client.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Logout(); err != nil {
		slog.Debug("logout failed", "error", err)
	}
	c.conn = nil
}

// Close logs out and closes the connection.
func (c *Client) Close() error {
	c.drop()
	return nil
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
