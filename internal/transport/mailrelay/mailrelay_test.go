package mailrelay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shineum/mail2chat/internal/parser"
	"github.com/shineum/mail2chat/internal/transport"
)

func TestSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "chat header", text: "*📧 New Email Notification*\n\n*From:* a@b.c", want: "📧 New Email Notification"},
		{name: "leading blank lines", text: "\n\n  hello  \nworld", want: "hello"},
		{name: "empty", text: "", want: "(no subject)"},
		{name: "long line", text: strings.Repeat("x", 100), want: strings.Repeat("x", 75) + "..."},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Subject(tt.text); got != tt.want {
				t.Errorf("Subject(): got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComposeText_RoundTrip(t *testing.T) {
	t.Parallel()

	date := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	text := "*📧 New Email Notification*\n\n*Subject:* SYSTEM ALERT\n"

	raw, err := ComposeText("bot@example.com", "ops@example.com", text, date)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		t.Fatalf("composed message does not parse: %v", err)
	}
	if msg.FromAddress != "bot@example.com" {
		t.Errorf("FromAddress: got %q, want %q", msg.FromAddress, "bot@example.com")
	}
	if msg.Subject != "📧 New Email Notification" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "📧 New Email Notification")
	}
	if !msg.Date.Equal(date) {
		t.Errorf("Date: got %v, want %v", msg.Date, date)
	}
	if msg.TextBody != text {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, text)
	}
	if msg.MessageID == "" {
		t.Error("MessageID should be generated")
	}
}

func TestComposeMedia_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "1700000000000_abcd1234_chart.png")
	content := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to write staged file: %v", err)
	}

	raw, err := ComposeMedia("bot@example.com", "ops@example.com", transport.Media{
		Kind:     transport.KindImage,
		Path:     path,
		MIMEType: "image/png",
		Caption:  "📸 chart.png\n0.01KB",
	}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		t.Fatalf("composed message does not parse: %v", err)
	}
	if msg.Subject != "📸 chart.png" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "📸 chart.png")
	}
	if msg.TextBody != "📸 chart.png\n0.01KB" {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "📸 chart.png\n0.01KB")
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.Filename != "image.png" {
		t.Errorf("Filename: got %q, want %q", att.Filename, "image.png")
	}
	if att.ContentType != "image/png" {
		t.Errorf("ContentType: got %q, want %q", att.ContentType, "image/png")
	}
	if string(att.Content) != string(content) {
		t.Errorf("Content: got %v, want %v", att.Content, content)
	}
}

func TestComposeMedia_DocumentKeepsFilename(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "staged.bin")
	if err := os.WriteFile(path, []byte("%PDF"), 0o600); err != nil {
		t.Fatalf("failed to write staged file: %v", err)
	}

	raw, err := ComposeMedia("bot@example.com", "ops@example.com", transport.Media{
		Kind:     transport.KindDocument,
		Path:     path,
		MIMEType: "application/pdf",
		FileName: "Laporan Bulanan.pdf",
	}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		t.Fatalf("composed message does not parse: %v", err)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}
	if msg.Attachments[0].Filename != "Laporan Bulanan.pdf" {
		t.Errorf("Filename: got %q, want %q", msg.Attachments[0].Filename, "Laporan Bulanan.pdf")
	}
	// No caption: the text part falls back to the display name.
	if msg.TextBody != "Laporan Bulanan.pdf" {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "Laporan Bulanan.pdf")
	}
}

func TestComposeMedia_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := ComposeMedia("a@example.com", "b@example.com", transport.Media{
		Kind: transport.KindDocument,
		Path: filepath.Join(t.TempDir(), "gone.pdf"),
	}, time.Now())
	if err == nil {
		t.Error("expected error for missing staged file, got nil")
	}
}
