package chat

import "sync"

// Role identifies the sender of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DefaultHistorySize is the number of messages kept per user.
const DefaultHistorySize = 10

// History keeps the most recent messages of every user's conversation.
// When a conversation grows past its capacity the oldest messages are
// dropped.
type History struct {
	mu       sync.Mutex
	capacity int
	byUser   map[string][]Message
}

// NewHistory creates a History holding up to capacity messages per user.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{
		capacity: capacity,
		byUser:   make(map[string][]Message),
	}
}

// Add appends messages to the user's conversation, evicting the oldest
// beyond capacity.
func (h *History) Add(userID string, msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conv := append(h.byUser[userID], msgs...)
	if excess := len(conv) - h.capacity; excess > 0 {
		conv = append([]Message(nil), conv[excess:]...)
	}
	h.byUser[userID] = conv
}

// Get returns a copy of the user's conversation, oldest first.
func (h *History) Get(userID string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	conv := h.byUser[userID]
	out := make([]Message, len(conv))
	copy(out, conv)
	return out
}

// Clear forgets the user's conversation.
func (h *History) Clear(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byUser, userID)
}
