package chat

import (
	"regexp"
	"strings"
)

var (
	greetingPattern = regexp.MustCompile(`\b(hello|hi|hey|halo|hai)\b`)
	questionPattern = regexp.MustCompile(`\b(what|how|when|where|who|why|which)\b`)
	thanksPattern   = regexp.MustCompile(`\b(thanks|thank you|terima kasih|makasih)\b`)
	helpPattern     = regexp.MustCompile(`\b(help|assist|support)\b`)
	aboutPattern    = regexp.MustCompile(`\b(who are you|you|yourself)\b`)
)

var clearPhrases = []string{"clear history", "reset chat", "hapus riwayat"}

const clearedReply = "Conversation history cleared. Let's start fresh! 🔄✨"

var (
	firstGreetings = []string{
		"Hello! Nice to meet you. How can I help you today? 😊",
		"Hi! I'm ready to help. How are you doing? 🤗",
		"Hello and welcome! What would you like to ask? 🌟",
	}
	returningGreetings = []string{
		"Hello again! Good to see you back. What can I do for you? 😊",
		"Hi! How is your day going? 🤗",
		"Hello! We've talked before. Anything you want to pick up again? 🌟",
	}
	questionReplies = []string{
		"Interesting question! I'll do my best to help 🤔",
		"Hmm, let me think about that. Could you share a bit more detail? 💭",
		"Good question! I'm happy to help find the answer 📚",
	}
	defaultReplies = []string{
		"Interesting! Thanks for sharing. Anything else you'd like to discuss? 🤔",
		"I see what you mean. Is there anything more I can help with? 💡",
		"Thanks for your message! Happy to chat with you 😊",
		"Noted. Any other questions or topics to cover? 📝",
	}
)

const (
	thanksReply = "You're welcome! Glad I could help. Feel free to ask again anytime! 🙏✨"
	helpReply   = "Of course! I'm here to help. Tell me what you need 💪"
	aboutReply  = "I'm a chat assistant available 24/7! I can answer questions and help with all sorts of things 🤖✨"
)

// isClearRequest reports whether the message asks to reset the conversation.
func isClearRequest(text string) bool {
	msg := strings.ToLower(text)
	for _, phrase := range clearPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// fallbackReply answers without a completion API by matching the message
// against a few intents. hasHistory selects the returning-user greeting.
func fallbackReply(text string, hasHistory bool, pick func(n int) int) string {
	msg := strings.ToLower(text)

	switch {
	case greetingPattern.MatchString(msg):
		if hasHistory {
			return returningGreetings[pick(len(returningGreetings))]
		}
		return firstGreetings[pick(len(firstGreetings))]
	case strings.Contains(msg, "?") || questionPattern.MatchString(msg):
		return questionReplies[pick(len(questionReplies))]
	case thanksPattern.MatchString(msg):
		return thanksReply
	case helpPattern.MatchString(msg):
		return helpReply
	case aboutPattern.MatchString(msg):
		return aboutReply
	}
	return defaultReplies[pick(len(defaultReplies))]
}
