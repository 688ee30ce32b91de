package messages

// NoParent marks the first turn of a conversation.
const NoParent = "00000000-0000-0000-0000-000000000000"

const (
	SenderUser      = "User"
	SenderAssistant = "Assistant"
)

// Message is one conversation message, user-authored or assistant-authored.
// Synthetic refusal turns use the same shape as real model turns; Error is
// false on refusals so clients render them as ordinary replies.
type Message struct {
	MessageID       string `json:"messageId"`
	ConversationID  string `json:"conversationId"`
	ParentMessageID string `json:"parentMessageId"`
	UserID          string `json:"user,omitempty"`
	Sender          string `json:"sender"`
	Text            string `json:"text"`
	IsCreatedByUser bool   `json:"isCreatedByUser"`
	Error           bool   `json:"error"`
	Model           string `json:"model,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
}

// IsFirstTurn reports whether a parent id denotes a new conversation.
func IsFirstTurn(parentMessageID string) bool {
	return parentMessageID == "" || parentMessageID == NoParent
}
