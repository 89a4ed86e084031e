package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shineum/mail2chat/internal/mailbox"
)

const (
	checkTimeout = 30 * time.Second
	checkRecent  = 3
)

// checker is the part of the mailbox client the connection test uses.
type checker interface {
	Connect(ctx context.Context) error
	OpenFolder(ctx context.Context, name string) (mailbox.FolderInfo, error)
	Recent(ctx context.Context, n int) ([]mailbox.Summary, error)
}

// runCheck connects, opens folder and prints its totals and the most
// recent messages to w.
func runCheck(ctx context.Context, mb checker, folder string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	fmt.Fprintln(w, "🔍 Testing mailbox connection...")
	if err := mb.Connect(ctx); err != nil {
		return err
	}
	fmt.Fprintln(w, "✅ Connected and logged in")

	info, err := mb.OpenFolder(ctx, folder)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "📁 %s: %d messages (%d recent)\n", info.Name, info.Messages, info.Recent)

	recent, err := mb.Recent(ctx, checkRecent)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		fmt.Fprintln(w, "📭 No messages")
		return nil
	}

	fmt.Fprintf(w, "\n📨 Last %d message(s):\n", len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		s := recent[i]
		date := "unknown"
		if !s.Date.IsZero() {
			date = s.Date.Format(time.RFC1123Z)
		}
		fmt.Fprintf(w, "\n  From: %s\n  Subject: %s\n  Date: %s\n", s.From, s.Subject, date)
	}
	return nil
}
