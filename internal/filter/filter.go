// Package filter decides which parsed emails qualify for forwarding.
package filter

import (
	"strings"

	"github.com/shineum/mail2chat/internal/email"
)

// Filter is a static allow-list predicate. The zero value forwards nothing.
type Filter struct {
	senders  []string
	keywords []string
}

// New builds a Filter from sender substrings and subject keywords. Matching
// is case-insensitive; blank entries are ignored.
func New(senders, keywords []string) *Filter {
	return &Filter{
		senders:  normalize(senders),
		keywords: normalize(keywords),
	}
}

// Eligible reports whether msg comes from an allowed sender AND carries at
// least one subject keyword. Both are substring matches, so "ERROR" also
// matches "ERRORS" and "deria3789@gmail.com" also matches the labelled
// sender "Deria <deria3789@gmail.com>".
func (f *Filter) Eligible(msg *email.Email) bool {
	if msg == nil {
		return false
	}
	from := strings.ToLower(msg.FromName + " " + msg.FromAddress)
	subject := strings.ToLower(msg.Subject)
	return containsAny(from, f.senders) && containsAny(subject, f.keywords)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func normalize(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}
