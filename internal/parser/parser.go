// Package parser decodes raw RFC 5322 messages into email records using
// go-message, including nested multipart bodies and attachments.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"

	"github.com/shineum/mail2chat/internal/email"
)

func init() {
	// go-message only knows the charsets shipped in its charset table.
	charset.RegisterEncoding("gbk", simplifiedchinese.GBK)
	charset.RegisterEncoding("big5", traditionalchinese.Big5)
}

const defaultContentType = "application/octet-stream"

// Parse parses a raw message held in memory.
func Parse(raw []byte) (*email.Email, error) {
	return ParseReader(bytes.NewReader(raw))
}

// ParseReader reads a full message from r and returns the validated record.
// Plain text and HTML bodies are extracted from the first matching inline
// parts; attachment parts and non-text inline parts become attachments in
// the order they appear. Parts with an unknown charset or transfer encoding
// are kept undecoded and logged.
func ParseReader(r io.Reader) (*email.Email, error) {
	entity, err := message.Read(r)
	if err != nil && !isUndecodable(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if err != nil {
		slog.Warn("message body kept undecoded", "error", err)
	}

	result := &email.Email{}
	readHeader(&mail.Header{Header: entity.Header}, result)

	err = entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			slog.Warn("message part kept undecoded", "path", path, "error", err)
		}
		mediaType, _, _ := part.Header.ContentType()
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}

		// Same split as mail.Reader: explicit inline parts and undispositioned
		// text are bodies, everything else is an attachment.
		disp, _, _ := part.Header.ContentDisposition()
		if disp == "inline" || (disp != "attachment" && strings.HasPrefix(mediaType, "text/")) {
			readInlinePart(&mail.InlineHeader{Header: part.Header}, part.Body, result)
		} else {
			readAttachmentPart(&mail.AttachmentHeader{Header: part.Header}, part.Body, result)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read message part: %w", err)
	}

	if result.TextBody == "" && result.HTMLBody != "" {
		result.TextBody = stripHTML(result.HTMLBody)
	}

	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

func isUndecodable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// readHeader copies the envelope fields the pipeline uses from the top-level
// header. Malformed address lists fall back to the raw header value.
func readHeader(h *mail.Header, result *email.Email) {
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		result.FromName = from[0].Name
		result.FromAddress = from[0].Address
	} else if rawFrom := strings.TrimSpace(h.Get("From")); rawFrom != "" {
		slog.Warn("failed to parse From header, using raw value",
			"from", rawFrom,
			"error", err,
		)
		result.FromAddress = rawFrom
	}

	if subject, err := h.Subject(); err == nil {
		result.Subject = subject
	} else {
		result.Subject = h.Get("Subject")
	}

	if date, err := h.Date(); err == nil {
		result.Date = date
	}

	if id, err := h.MessageID(); err == nil {
		result.MessageID = id
	}
}

func readInlinePart(h *mail.InlineHeader, body io.Reader, result *email.Email) {
	mediaType, params, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}

	content, err := io.ReadAll(body)
	if err != nil {
		slog.Warn("failed to read inline part",
			"content_type", mediaType,
			"error", err,
		)
		return
	}

	switch mediaType {
	case "text/plain":
		if result.TextBody == "" {
			result.TextBody = string(content)
		}
	case "text/html":
		if result.HTMLBody == "" {
			result.HTMLBody = string(content)
		}
	default:
		// Inline images and similar parts are relayed like attachments.
		filename := ""
		if _, dispParams, err := h.ContentDisposition(); err == nil {
			filename = dispParams["filename"]
		}
		filename = fallbackFilename(filename, params, mediaType)
		result.Attachments = append(result.Attachments, email.NewAttachment(filename, mediaType, content))
	}
}

func readAttachmentPart(h *mail.AttachmentHeader, body io.Reader, result *email.Email) {
	mediaType, params, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = defaultContentType
	}

	content, err := io.ReadAll(body)
	if err != nil {
		slog.Warn("failed to read attachment part",
			"content_type", mediaType,
			"error", err,
		)
		return
	}

	filename, _ := h.Filename()
	filename = fallbackFilename(filename, params, mediaType)
	result.Attachments = append(result.Attachments, email.NewAttachment(filename, mediaType, content))
}

// fallbackFilename returns filename, else the Content-Type "name" parameter,
// else a name derived from the media subtype.
func fallbackFilename(filename string, params map[string]string, mediaType string) string {
	if filename = strings.TrimSpace(filename); filename != "" {
		return filename
	}
	if name := strings.TrimSpace(params["name"]); name != "" {
		return name
	}
	if parts := strings.SplitN(mediaType, "/", 2); len(parts) == 2 && parts[1] != "" {
		return "attachment." + parts[1]
	}
	return "attachment"
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML produces a rough plain-text rendering of an HTML body.
func stripHTML(html string) string {
	result := html
	for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>", "</tr>"} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	result = replacer.Replace(result)

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(result)
}
