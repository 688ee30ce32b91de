// Package deny builds the synthetic refusal turn for blocked prompts.
// The turn looks exactly like a normal model exchange on the wire and in
// storage, so clients need no special handling for policy refusals.
package deny

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/CoastalTensors/LibrePedagogy/pkg/messages"
	"github.com/CoastalTensors/LibrePedagogy/pkg/stream"
)

// Saver persists one conversation message.
type Saver interface {
	Save(ctx context.Context, msg messages.Message, contextLabel string) (messages.Message, error)
}

// Request carries the request identifiers of the turn being refused.
// Missing ids are minted here so a brand-new conversation still gets a
// coherent thread.
type Request struct {
	UserID          string
	Text            string
	MessageID       string
	ConversationID  string
	ParentMessageID string
	Endpoint        string
	Model           string
}

// Flow writes the two-message refusal turn: the user's original prompt
// and a canned assistant reply, both persisted and streamed.
type Flow struct {
	Store       Saver
	RefusalText string
}

// Run persists the user turn and the refusal reply, streaming the same
// created/final frames a real completion produces. Persistence failures
// are hard failures: a refusal that is not durably recorded must not
// look delivered.
func (f *Flow) Run(ctx context.Context, sender *stream.Sender, req Request) error {
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	parentID := req.ParentMessageID
	if parentID == "" {
		parentID = messages.NoParent
	}
	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	userMessage := messages.Message{
		MessageID:       messageID,
		ConversationID:  conversationID,
		ParentMessageID: parentID,
		UserID:          req.UserID,
		Sender:          messages.SenderUser,
		Text:            req.Text,
		IsCreatedByUser: true,
		Endpoint:        req.Endpoint,
	}

	if err := sender.Send(stream.CreatedEvent(userMessage)); err != nil {
		return fmt.Errorf("stream created event: %w", err)
	}
	if _, err := f.Store.Save(ctx, userMessage, "denied request user turn"); err != nil {
		return fmt.Errorf("save user turn: %w", err)
	}

	responseMessage := messages.Message{
		MessageID:       uuid.NewString(),
		ConversationID:  conversationID,
		ParentMessageID: userMessage.MessageID,
		UserID:          req.UserID,
		Sender:          messages.SenderAssistant,
		Text:            f.RefusalText,
		IsCreatedByUser: false,
		Error:           false,
		Model:           req.Model,
		Endpoint:        req.Endpoint,
	}
	if _, err := f.Store.Save(ctx, responseMessage, "denied request refusal turn"); err != nil {
		return fmt.Errorf("save refusal turn: %w", err)
	}

	conversation := map[string]any{
		"conversationId": conversationID,
		"endpoint":       req.Endpoint,
		"title":          "New Chat",
	}
	if err := sender.Send(stream.FinalEvent(conversation, userMessage, responseMessage)); err != nil {
		return fmt.Errorf("stream final event: %w", err)
	}
	sender.Close()
	return nil
}
