// Package email defines the parsed email record that flows through the
// watch-and-forward pipeline.
package email

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned when a parsed message lacks fields the pipeline
// depends on.
var ErrMalformed = errors.New("malformed email")

// Email is an immutable, parsed email message. It is built once per fetched
// message, consumed by the filter and the forwarder, then discarded.
type Email struct {
	// UID is the mailbox identifier the message was fetched with (0 if unknown).
	UID uint32

	MessageID   string
	FromName    string
	FromAddress string
	Subject     string
	Date        time.Time
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
}

// Attachment is a file carried by an email, in the order it appeared.
type Attachment struct {
	Filename    string
	ContentType string
	// Size is the decoded byte length of Content.
	Size    int64
	Content []byte
}

// NewAttachment builds an Attachment whose Size matches its content.
func NewAttachment(filename, contentType string, content []byte) Attachment {
	return Attachment{
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(content)),
		Content:     content,
	}
}

// From returns the sender as a display string, "Name <address>" when a label
// is present.
func (e *Email) From() string {
	if e.FromName == "" {
		return e.FromAddress
	}
	return fmt.Sprintf("%q <%s>", e.FromName, e.FromAddress)
}

// Validate checks the invariants the rest of the pipeline relies on.
func (e *Email) Validate() error {
	if e.FromAddress == "" {
		return fmt.Errorf("%w: missing sender address", ErrMalformed)
	}
	for i, att := range e.Attachments {
		if att.Filename == "" {
			return fmt.Errorf("%w: attachment %d has no filename", ErrMalformed, i)
		}
		if att.ContentType == "" {
			return fmt.Errorf("%w: attachment %q has no content type", ErrMalformed, att.Filename)
		}
		if att.Size != int64(len(att.Content)) {
			return fmt.Errorf("%w: attachment %q size %d does not match content length %d",
				ErrMalformed, att.Filename, att.Size, len(att.Content))
		}
	}
	return nil
}
