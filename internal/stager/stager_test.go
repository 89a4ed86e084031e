package stager

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shineum/mail2chat/internal/email"
	"github.com/shineum/mail2chat/internal/transport"
)

func newTestStager(t *testing.T, opts Options) *Stager {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = filepath.Join(t.TempDir(), "attachments")
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew_CreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "temp", "attachments")
	if _, err := New(Options{Dir: dir}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("temp dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("temp dir path is not a directory")
	}
}

func TestNew_RequiresDirectory(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Error("expected error for empty dir, got nil")
	}
}

func TestStage_Image(t *testing.T) {
	t.Parallel()

	s := newTestStager(t, Options{})
	content := bytes.Repeat([]byte{0x89}, 2*1024*1024)

	st, err := s.Stage(email.NewAttachment("chart.png", "image/png", content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if st.Media.Kind != transport.KindImage {
		t.Errorf("Kind: got %q, want %q", st.Media.Kind, transport.KindImage)
	}
	if st.Media.Caption != "📸 chart.png\n2048.00KB" {
		t.Errorf("Caption: got %q, want %q", st.Media.Caption, "📸 chart.png\n2048.00KB")
	}
	if filepath.Dir(st.Media.Path) != s.Dir() {
		t.Errorf("Path: got %q, want a file in %q", st.Media.Path, s.Dir())
	}
	if !strings.HasSuffix(st.Media.Path, "_chart.png") {
		t.Errorf("Path: got %q, want suffix %q", st.Media.Path, "_chart.png")
	}

	written, err := os.ReadFile(st.Media.Path)
	if err != nil {
		t.Fatalf("staged file not readable: %v", err)
	}
	if !bytes.Equal(written, content) {
		t.Error("staged file content does not match attachment")
	}
	if s.Pending() != 1 {
		t.Errorf("Pending: got %d, want 1", s.Pending())
	}
}

func TestStage_Descriptors(t *testing.T) {
	t.Parallel()

	s := newTestStager(t, Options{})

	tests := []struct {
		name        string
		filename    string
		contentType string
		kind        transport.MediaKind
		mimeType    string
		fileName    string
		caption     string
	}{
		{
			name:        "video",
			filename:    "clip.mp4",
			contentType: "video/mp4",
			kind:        transport.KindVideo,
			mimeType:    "video/mp4",
			caption:     "🎥 clip.mp4\n1.00KB",
		},
		{
			name:        "audio has no caption",
			filename:    "voice.ogg",
			contentType: "audio/ogg",
			kind:        transport.KindAudio,
			mimeType:    "audio/ogg",
		},
		{
			name:        "document",
			filename:    "report.pdf",
			contentType: "application/pdf",
			kind:        transport.KindDocument,
			mimeType:    "application/pdf",
			fileName:    "report.pdf",
			caption:     "📄 report.pdf\n1.00KB",
		},
		{
			name:        "archive is a document",
			filename:    "logs.zip",
			contentType: "application/zip",
			kind:        transport.KindDocument,
			mimeType:    "application/zip",
			fileName:    "logs.zip",
			caption:     "📄 logs.zip\n1.00KB",
		},
		{
			name:        "content type parameters are ignored",
			filename:    "notes.txt",
			contentType: "Text/Plain; charset=utf-8",
			kind:        transport.KindDocument,
			mimeType:    "Text/Plain; charset=utf-8",
			fileName:    "notes.txt",
			caption:     "📄 notes.txt\n1.00KB",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st, err := s.Stage(email.NewAttachment(tt.filename, tt.contentType, make([]byte, 1024)))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer st.Release()

			if st.Media.Kind != tt.kind {
				t.Errorf("Kind: got %q, want %q", st.Media.Kind, tt.kind)
			}
			if st.Media.MIMEType != tt.mimeType {
				t.Errorf("MIMEType: got %q, want %q", st.Media.MIMEType, tt.mimeType)
			}
			if st.Media.FileName != tt.fileName {
				t.Errorf("FileName: got %q, want %q", st.Media.FileName, tt.fileName)
			}
			if st.Media.Caption != tt.caption {
				t.Errorf("Caption: got %q, want %q", st.Media.Caption, tt.caption)
			}
		})
	}
}

func TestStage_TooLarge(t *testing.T) {
	t.Parallel()

	s := newTestStager(t, Options{})
	att := email.Attachment{
		Filename:    "backup.tar",
		ContentType: "application/x-tar",
		Size:        20 * 1024 * 1024,
	}

	_, err := s.Stage(att)

	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected *Rejection, got %v", err)
	}
	// Size is checked before type, so the unsupported type is not reported.
	if rej.Reason != ReasonTooLarge {
		t.Errorf("Reason: got %q, want %q", rej.Reason, ReasonTooLarge)
	}
	want := `⚠️ File "backup.tar" is too large to send (20.00MB > 16MB)`
	if rej.Notice != want {
		t.Errorf("Notice: got %q, want %q", rej.Notice, want)
	}
	assertEmptyDir(t, s.Dir())
}

func TestStage_ExactlyAtLimit(t *testing.T) {
	t.Parallel()

	s := newTestStager(t, Options{MaxSize: 1024})
	st, err := s.Stage(email.NewAttachment("a.pdf", "application/pdf", make([]byte, 1024)))
	if err != nil {
		t.Fatalf("unexpected error at the limit: %v", err)
	}
	st.Release()
}

func TestStage_UnsupportedType(t *testing.T) {
	t.Parallel()

	s := newTestStager(t, Options{})

	_, err := s.Stage(email.NewAttachment("setup.exe", "application/x-msdownload", []byte("MZ")))

	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected *Rejection, got %v", err)
	}
	if rej.Reason != ReasonUnsupportedType {
		t.Errorf("Reason: got %q, want %q", rej.Reason, ReasonUnsupportedType)
	}
	want := `⚠️ File "setup.exe" has an unsupported type (application/x-msdownload)`
	if rej.Notice != want {
		t.Errorf("Notice: got %q, want %q", rej.Notice, want)
	}
	assertEmptyDir(t, s.Dir())
}

func TestStage_CustomAllowlist(t *testing.T) {
	t.Parallel()

	s := newTestStager(t, Options{SupportedTypes: []string{"Application/X-Tar"}})

	st, err := s.Stage(email.NewAttachment("a.tar", "application/x-tar", []byte("x")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st.Release()

	if _, err := s.Stage(email.NewAttachment("a.png", "image/png", []byte("x"))); err == nil {
		t.Error("expected rejection for type outside custom allowlist, got nil")
	}
}

func TestStage_HostileFilename(t *testing.T) {
	t.Parallel()

	s := newTestStager(t, Options{})

	st, err := s.Stage(email.NewAttachment("../../etc/passwd.txt", "text/plain", []byte("x")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer st.Release()

	if filepath.Dir(st.Media.Path) != s.Dir() {
		t.Errorf("staged file escaped temp dir: %q", st.Media.Path)
	}
	if st.Media.FileName != "../../etc/passwd.txt" {
		t.Errorf("FileName should keep the original name, got %q", st.Media.FileName)
	}
}

func TestStage_UniqueNames(t *testing.T) {
	t.Parallel()

	s := newTestStager(t, Options{})

	a, err := s.Stage(email.NewAttachment("same.pdf", "application/pdf", []byte("a")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := s.Stage(email.NewAttachment("same.pdf", "application/pdf", []byte("b")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer a.Release()
	defer b.Release()

	if a.Media.Path == b.Media.Path {
		t.Errorf("two stagings share a path: %q", a.Media.Path)
	}
}

func TestRelease(t *testing.T) {
	t.Parallel()

	s := newTestStager(t, Options{})

	st, err := s.Stage(email.NewAttachment("a.pdf", "application/pdf", []byte("x")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := st.Release(); err != nil {
		t.Fatalf("Release: unexpected error: %v", err)
	}
	if _, err := os.Stat(st.Media.Path); !os.IsNotExist(err) {
		t.Errorf("staged file still exists after Release: %v", err)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending: got %d, want 0", s.Pending())
	}

	// Second release is a no-op.
	if err := st.Release(); err != nil {
		t.Errorf("second Release: unexpected error: %v", err)
	}
}

func TestCleanupFallback(t *testing.T) {
	t.Parallel()

	s := newTestStager(t, Options{CleanupFallback: 20 * time.Millisecond})

	st, err := s.Stage(email.NewAttachment("a.pdf", "application/pdf", []byte("x")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(st.Media.Path); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("fallback timer did not remove the unreleased staged file")
}

func TestSweep(t *testing.T) {
	t.Parallel()

	s := newTestStager(t, Options{})

	stale := filepath.Join(s.Dir(), "1700000000000_0a1b2c3d_stale.pdf")
	if err := os.WriteFile(stale, []byte("old"), 0o600); err != nil {
		t.Fatalf("failed to write stale file: %v", err)
	}
	foreign := filepath.Join(s.Dir(), "notes.txt")
	if err := os.WriteFile(foreign, []byte("keep me"), 0o600); err != nil {
		t.Fatalf("failed to write foreign file: %v", err)
	}
	live, err := s.Stage(email.NewAttachment("live.pdf", "application/pdf", []byte("x")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer live.Release()

	removed, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep: unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed: got %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale file survived the sweep")
	}
	if _, err := os.Stat(live.Media.Path); err != nil {
		t.Errorf("live staged file was swept: %v", err)
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Errorf("file not written by the stager was swept: %v", err)
	}
}

func TestSweep_SharedDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"notes.txt", "1700000000000_report.pdf", "123_NOTHEX1_x.pdf"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("user data"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	s := newTestStager(t, Options{Dir: dir})
	st, err := s.Stage(email.NewAttachment("a.pdf", "application/pdf", []byte("x")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(st.Media.Path); !os.IsNotExist(err) {
		t.Error("staged file should be removed on Close")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("user files in a shared directory must survive, left %d of 3", len(entries))
	}
}

func TestNew_DefaultCleanupFallback(t *testing.T) {
	t.Parallel()

	s := newTestStager(t, Options{})
	if s.fallback != 5*time.Second {
		t.Errorf("fallback: got %v, want 5s", s.fallback)
	}
}

func TestClose_ReleasesOutstanding(t *testing.T) {
	t.Parallel()

	s, err := New(Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	st, err := s.Stage(email.NewAttachment("a.pdf", "application/pdf", []byte("x")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}
	if _, err := os.Stat(st.Media.Path); !os.IsNotExist(err) {
		t.Error("staged file survived Close")
	}
	assertEmptyDir(t, s.Dir())
}

func TestSafeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "report.pdf", want: "report.pdf"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `C:\Users\ops\log.txt`, want: "log.txt"},
		{in: "..", want: "attachment"},
		{in: "/", want: "attachment"},
	}

	for _, tt := range tests {
		if got := safeName(tt.in); got != tt.want {
			t.Errorf("safeName(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty dir, found %d entries", len(entries))
	}
}
