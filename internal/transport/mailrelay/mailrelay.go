// Package mailrelay composes outbound RFC 5322 messages for transports that
// relay forwarded content to a mailbox instead of a chat.
package mailrelay

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/mail2chat/internal/transport"
)

// maxSubjectLen keeps derived subjects on a single folded header line.
const maxSubjectLen = 78

// Subject derives a subject line from chat-formatted text: the first
// non-blank line with chat emphasis markers removed.
func Subject(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.ReplaceAll(line, "*", ""))
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxSubjectLen {
			runes := []rune(line)
			line = string(runes[:maxSubjectLen-3]) + "..."
		}
		return line
	}
	return "(no subject)"
}

// ComposeText builds a single-part text/plain message.
func ComposeText(from, to, text string, date time.Time) ([]byte, error) {
	h, err := header(from, to, Subject(text), date)
	if err != nil {
		return nil, err
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	// base64 keeps the chat text byte-exact, bare LFs included.
	h.Set("Content-Transfer-Encoding", "base64")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(w, text); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

// ComposeMedia builds a multipart/mixed message carrying the staged file as
// an attachment, with the caption (or the display name) as the text part.
func ComposeMedia(from, to string, m transport.Media, date time.Time) ([]byte, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read staged file: %w", err)
	}

	caption := m.Caption
	if caption == "" {
		caption = m.DisplayName()
	}

	h, err := header(from, to, Subject(caption), date)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline part: %w", err)
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	th.Set("Content-Transfer-Encoding", "base64")
	pw, err := tw.CreatePart(th)
	if err != nil {
		return nil, fmt.Errorf("failed to create text part: %w", err)
	}
	if _, err := io.WriteString(pw, caption); err != nil {
		return nil, fmt.Errorf("failed to write text part: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close text part: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close inline part: %w", err)
	}

	mimeType := m.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	var ah mail.AttachmentHeader
	ah.Set("Content-Type", mimeType)
	ah.SetFilename(AttachmentName(m))
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return nil, fmt.Errorf("failed to create attachment part: %w", err)
	}
	if _, err := aw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write attachment: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close attachment: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func header(from, to, subject string, date time.Time) (mail.Header, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return h, fmt.Errorf("failed to generate message id: %w", err)
	}
	return h, nil
}

// AttachmentName prefers the original filename; audio and media without
// one are named after the staged file's kind and extension.
func AttachmentName(m transport.Media) string {
	if m.FileName != "" {
		return m.FileName
	}
	ext := ""
	if i := strings.LastIndex(m.Path, "."); i >= 0 && !strings.ContainsAny(m.Path[i:], `/\`) {
		ext = m.Path[i:]
	}
	return string(m.Kind) + ext
}
