// Package stdout implements a Transport that prints outbound messages to
// standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/mail2chat/internal/transport"
)

// Transport prints messages in a human-readable format.
type Transport struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Transport that writes to os.Stdout.
func New() *Transport {
	return &Transport{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Transport that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Transport {
	return &Transport{writer: w}
}

// SendText prints the text message. It always returns nil (success).
func (t *Transport) SendText(_ context.Context, to, text string) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("To: %s\n", to))
	b.WriteString(text + "\n")
	b.WriteString("========================================\n")

	t.write(b.String())
	return nil
}

// SendMedia prints the media descriptor and the file's size on disk.
// A missing file is reported as an error since the staged bytes are gone.
func (t *Transport) SendMedia(_ context.Context, to string, m transport.Media) error {
	info, err := os.Stat(m.Path)
	if err != nil {
		return fmt.Errorf("failed to stat staged file: %w", err)
	}

	var b strings.Builder

	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("To: %s\n", to))
	b.WriteString(fmt.Sprintf("Media: %s %s (%s, %s)\n", m.Kind, m.DisplayName(), m.MIMEType, formatSize(info.Size())))
	if m.Caption != "" {
		b.WriteString(fmt.Sprintf("Caption: %s\n", m.Caption))
	}
	b.WriteString("========================================\n")

	t.write(b.String())
	return nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "stdout"
}

func (t *Transport) write(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Write errors are ignored; stdout delivery always succeeds conceptually.
	_, _ = fmt.Fprint(t.writer, s)
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
