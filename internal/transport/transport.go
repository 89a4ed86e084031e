// Package transport defines the interface for outbound messaging backends.
package transport

import (
	"context"
	"fmt"
)

// Transport is the interface that messaging backends must implement.
// Each transport delivers text and staged media to a single destination
// identifier (a phone number, a group id, an email address), with
// provider-side delivery semantics.
type Transport interface {
	// SendText delivers a plain text message to the destination.
	SendText(ctx context.Context, to, text string) error

	// SendMedia delivers a staged file to the destination. The file at
	// m.Path must exist for the duration of the call only.
	SendMedia(ctx context.Context, to string, m Media) error

	// Name returns the human-readable name of this transport.
	Name() string
}

// MediaKind is the category a staged file is delivered as.
type MediaKind string

const (
	KindImage    MediaKind = "image"
	KindVideo    MediaKind = "video"
	KindAudio    MediaKind = "audio"
	KindDocument MediaKind = "document"
)

// Media describes how to send a staged file: its category, the local path
// holding its bytes, and the metadata shown to the recipient. FileName and
// Caption may be empty depending on Kind.
type Media struct {
	Kind     MediaKind
	Path     string
	MIMEType string
	FileName string
	Caption  string
}

// DisplayName returns the name a recipient should see for the file.
func (m Media) DisplayName() string {
	if m.FileName != "" {
		return m.FileName
	}
	return fmt.Sprintf("%s file", m.Kind)
}
