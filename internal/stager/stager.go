// Package stager validates email attachments against the size and type
// policy, writes accepted ones to a scoped temporary directory and hands out
// release handles for the staged files.
package stager

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail2chat/internal/email"
	"github.com/shineum/mail2chat/internal/transport"
)

// DefaultMaxSize is the attachment size ceiling, 16 MiB.
const DefaultMaxSize = 16 * 1024 * 1024

// DefaultCleanupFallback removes staged files that were never released.
const DefaultCleanupFallback = 5 * time.Second

// stagedName matches the names Stage writes: unix millis, a short uuid, then
// the sanitized filename.
var stagedName = regexp.MustCompile(`^\d+_[0-9a-f]{8}_`)

// DefaultSupportedTypes is the content-type allowlist used when none is
// configured.
var DefaultSupportedTypes = []string{
	// images
	"image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp",
	// documents
	"application/pdf", "application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"text/plain", "text/csv",
	// audio
	"audio/mpeg", "audio/mp3", "audio/wav", "audio/ogg", "audio/aac",
	// video
	"video/mp4", "video/avi", "video/mov", "video/wmv",
	// archives
	"application/zip", "application/x-rar-compressed",
}

// Options configures a Stager. Zero values select the defaults.
type Options struct {
	Dir             string
	MaxSize         int64
	SupportedTypes  []string
	CleanupFallback time.Duration
}

// Stager owns the temporary directory and every file staged in it.
type Stager struct {
	dir       string
	maxSize   int64
	supported map[string]struct{}
	fallback  time.Duration

	mu      sync.Mutex
	pending map[string]*Staged
}

// New creates the temporary directory if it is absent and returns a Stager
// writing into it.
func New(opts Options) (*Stager, error) {
	if opts.Dir == "" {
		return nil, errors.New("stager: temp directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	s := &Stager{
		dir:       opts.Dir,
		maxSize:   opts.MaxSize,
		supported: make(map[string]struct{}),
		fallback:  opts.CleanupFallback,
		pending:   make(map[string]*Staged),
	}
	if s.maxSize <= 0 {
		s.maxSize = DefaultMaxSize
	}
	if s.fallback <= 0 {
		s.fallback = DefaultCleanupFallback
	}

	types := opts.SupportedTypes
	if len(types) == 0 {
		types = DefaultSupportedTypes
	}
	for _, t := range types {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			s.supported[t] = struct{}{}
		}
	}

	return s, nil
}

// Dir returns the temporary directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Reason identifies why an attachment was not staged.
type Reason string

const (
	ReasonTooLarge        Reason = "too large"
	ReasonUnsupportedType Reason = "unsupported type"
)

// Rejection is returned by Stage when an attachment fails validation. It is
// a policy outcome rather than a fault: Notice is the human-readable text to
// deliver in place of the file.
type Rejection struct {
	Reason   Reason
	Filename string
	Notice   string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("attachment %q rejected: %s", r.Filename, r.Reason)
}

// Staged is the handle for one staged file. Media describes how to send it.
// The file exists until Release is called or the cleanup fallback fires.
type Staged struct {
	Media transport.Media

	stager *Stager
	once   sync.Once
	err    error

	mu    sync.Mutex
	timer *time.Timer
}

// Release removes the staged file. It is safe to call more than once; only
// the first call does any work.
func (st *Staged) Release() error {
	st.once.Do(func() {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
		}
		st.mu.Unlock()

		st.stager.forget(st.Media.Path)

		if err := os.Remove(st.Media.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			st.err = fmt.Errorf("failed to remove staged file: %w", err)
			return
		}
		slog.Debug("removed staged attachment", "path", st.Media.Path)
	})
	return st.err
}

// Stage validates att and, when it passes, writes its bytes to a uniquely
// named file. Checks run in order and the first failure wins: size, then
// content type. A failed check returns a *Rejection; any other error is a
// staging fault.
func (s *Stager) Stage(att email.Attachment) (*Staged, error) {
	if att.Size > s.maxSize {
		return nil, &Rejection{
			Reason:   ReasonTooLarge,
			Filename: att.Filename,
			Notice: fmt.Sprintf("⚠️ File %q is too large to send (%.2fMB > %dMB)",
				att.Filename, float64(att.Size)/1024/1024, s.maxSize/1024/1024),
		}
	}

	contentType := normalizeType(att.ContentType)
	if _, ok := s.supported[contentType]; !ok {
		return nil, &Rejection{
			Reason:   ReasonUnsupportedType,
			Filename: att.Filename,
			Notice:   fmt.Sprintf("⚠️ File %q has an unsupported type (%s)", att.Filename, att.ContentType),
		}
	}

	name := fmt.Sprintf("%d_%s_%s", time.Now().UnixMilli(), uuid.NewString()[:8], safeName(att.Filename))
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, att.Content, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write staged file: %w", err)
	}

	slog.Debug("staged attachment",
		"filename", att.Filename,
		"path", path,
		"size", att.Size,
		"content_type", contentType,
	)

	st := &Staged{
		Media:  describe(path, att, contentType),
		stager: s,
	}

	s.mu.Lock()
	s.pending[path] = st
	s.mu.Unlock()

	st.mu.Lock()
	st.timer = time.AfterFunc(s.fallback, func() {
		slog.Warn("staged attachment was not released, removing", "path", path)
		if err := st.Release(); err != nil {
			slog.Error("failed to remove staged attachment", "path", path, "error", err)
		}
	})
	st.mu.Unlock()

	return st, nil
}

// Pending returns the number of staged files not yet released.
func (s *Stager) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Sweep removes staged files in the temporary directory that no live handle
// owns, such as leftovers from a previous run. Files not named by Stage are
// left alone. It returns the number of files removed.
func (s *Stager) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read temp directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !stagedName.MatchString(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if _, live := s.pending[path]; live {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		slog.Info("swept stale staged files", "dir", s.dir, "count", removed)
	}
	return removed, errors.Join(errs...)
}

// Close releases every outstanding handle and sweeps the directory.
func (s *Stager) Close() error {
	s.mu.Lock()
	handles := make([]*Staged, 0, len(s.pending))
	for _, st := range s.pending {
		handles = append(handles, st)
	}
	s.mu.Unlock()

	var errs []error
	for _, st := range handles {
		if err := st.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := s.Sweep(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Stager) forget(path string) {
	s.mu.Lock()
	delete(s.pending, path)
	s.mu.Unlock()
}

// describe maps the content type to a media category.
func describe(path string, att email.Attachment, contentType string) transport.Media {
	sizeKB := float64(att.Size) / 1024

	switch {
	case strings.HasPrefix(contentType, "image/"):
		return transport.Media{
			Kind:     transport.KindImage,
			Path:     path,
			MIMEType: contentType,
			Caption:  fmt.Sprintf("📸 %s\n%.2fKB", att.Filename, sizeKB),
		}
	case strings.HasPrefix(contentType, "video/"):
		return transport.Media{
			Kind:     transport.KindVideo,
			Path:     path,
			MIMEType: contentType,
			Caption:  fmt.Sprintf("🎥 %s\n%.2fKB", att.Filename, sizeKB),
		}
	case strings.HasPrefix(contentType, "audio/"):
		return transport.Media{
			Kind:     transport.KindAudio,
			Path:     path,
			MIMEType: att.ContentType,
		}
	default:
		return transport.Media{
			Kind:     transport.KindDocument,
			Path:     path,
			MIMEType: att.ContentType,
			FileName: att.Filename,
			Caption:  fmt.Sprintf("📄 %s\n%.2fKB", att.Filename, sizeKB),
		}
	}
}

// normalizeType lowercases a content type and drops its parameters.
func normalizeType(contentType string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// safeName keeps the final path element of a filename so a hostile name
// cannot escape the temporary directory.
func safeName(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "attachment"
	}
	return name
}
