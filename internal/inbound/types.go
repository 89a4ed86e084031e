package inbound

import (
	"encoding/json"
	"fmt"
	"strings"
)

// eventMessagesUpsert is the gateway event carrying received messages.
const eventMessagesUpsert = "messages.upsert"

// webhookEvent is the envelope the gateway posts. Data is a single message
// or a list of messages depending on the gateway version.
type webhookEvent struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type messageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type messageContent struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
}

type incomingMessage struct {
	Key      messageKey      `json:"key"`
	PushName string          `json:"pushName"`
	Message  *messageContent `json:"message"`
}

// text returns the plain text of the message, if any.
func (m incomingMessage) text() string {
	if m.Message == nil {
		return ""
	}
	if m.Message.Conversation != "" {
		return m.Message.Conversation
	}
	if m.Message.ExtendedTextMessage != nil {
		return m.Message.ExtendedTextMessage.Text
	}
	return ""
}

// isMessagesUpsert matches both "messages.upsert" and "MESSAGES_UPSERT".
// An empty event name is accepted for gateways that post per-event URLs.
func (e webhookEvent) isMessagesUpsert() bool {
	if e.Event == "" {
		return true
	}
	return strings.ReplaceAll(strings.ToLower(e.Event), "_", ".") == eventMessagesUpsert
}

func (e webhookEvent) messages() ([]incomingMessage, error) {
	data := strings.TrimSpace(string(e.Data))
	if data == "" || data == "null" {
		return nil, nil
	}
	if strings.HasPrefix(data, "[") {
		var list []incomingMessage
		if err := json.Unmarshal(e.Data, &list); err != nil {
			return nil, fmt.Errorf("invalid message list: %w", err)
		}
		return list, nil
	}
	var msg incomingMessage
	if err := json.Unmarshal(e.Data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return []incomingMessage{msg}, nil
}
