package messages

import (
	"context"
	"log"

	"github.com/jackc/pgx/v5/pgconn"
)

type messageDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists conversation messages.
type Store struct {
	DB messageDB
}

// Save upserts one message. The write is keyed on message id, so retried
// saves of the same synthetic message are harmless. contextLabel tags the
// write's origin for diagnostics.
func (s *Store) Save(ctx context.Context, msg Message, contextLabel string) (Message, error) {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO conversation_messages
		(message_id, conversation_id, parent_message_id, user_id, sender, text, is_created_by_user, error, model, endpoint, context_label, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		ON CONFLICT (message_id) DO UPDATE SET
			text = EXCLUDED.text,
			error = EXCLUDED.error,
			context_label = EXCLUDED.context_label
	`, msg.MessageID, msg.ConversationID, msg.ParentMessageID, msg.UserID, msg.Sender,
		msg.Text, msg.IsCreatedByUser, msg.Error, nullIfEmpty(msg.Model), nullIfEmpty(msg.Endpoint), contextLabel)
	if err != nil {
		log.Printf("messages: save %s (%s): %v", msg.MessageID, contextLabel, err)
		return Message{}, err
	}
	return msg, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
