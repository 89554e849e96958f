package convo

import "context"

// Gateway is the durable row store for conversations and messages. The
// engine never issues raw queries; row-level authorization is the gateway's
// concern. The shipped implementation lives in convostore.
type Gateway interface {
	CreateConversation(ctx context.Context, c Conversation) error
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	UpdateTitle(ctx context.Context, conversationID string, title string) error

	// SetWrappedKey stores the conversation's wrapped symmetric key. It
	// must refuse to overwrite an existing key.
	SetWrappedKey(ctx context.Context, conversationID string, wrapped []byte) error

	InsertMessage(ctx context.Context, m Message) error
	ConfirmMessage(ctx context.Context, conversationID string, messageID string) error
	DeleteMessage(ctx context.Context, conversationID string, messageID string) error

	// DeleteMessagesFrom removes every message in the conversation with
	// created_at_unix_ms >= fromUnixMs.
	DeleteMessagesFrom(ctx context.Context, conversationID string, fromUnixMs int64) error

	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
}
