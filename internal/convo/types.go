package convo

import (
	"errors"
	"strings"
)

// Role identifies the author of a timeline message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PersistState tracks the two-phase lifecycle of an optimistic local write:
// a message is appended locally as "pending" and flips to "confirmed" once
// the gateway acknowledges it. Transient messages (thinking placeholders)
// carry an empty state and are never persisted.
type PersistState string

const (
	PersistNone      PersistState = ""
	PersistPending   PersistState = "pending"
	PersistConfirmed PersistState = "confirmed"
)

// AttachmentKind classifies an attachment for rendering and persistence.
const (
	AttachmentDocument = "document"
	AttachmentImage    = "image"
	AttachmentAudio    = "audio"
	AttachmentVideo    = "video"
)

type Attachment struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Locator   string `json:"locator,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Message is one entry in a conversation timeline. Content holds the
// decrypted plaintext while the session is live; EncryptedContent and Nonce
// are the persistence-layer form when IsEncrypted is set.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           Role   `json:"role"`

	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`

	IsEncrypted      bool   `json:"is_encrypted"`
	EncryptedContent []byte `json:"encrypted_content,omitempty"`
	Nonce            []byte `json:"nonce,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`

	// IsThinking marks the transient placeholder for an in-flight
	// generation. Never persisted.
	IsThinking bool `json:"is_thinking,omitempty"`

	Persist PersistState `json:"persist,omitempty"`
}

// Conversation is the timeline owner. WrappedKey is the conversation's
// symmetric key sealed to the user's public key; it is set at most once and
// never rotated, since rotating it would orphan prior ciphertext.
type Conversation struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Title  string `json:"title"`

	WrappedKey []byte `json:"wrapped_key,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

// State is the per-conversation generation state.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateFinalized State = "finalized"
	StateCancelled State = "cancelled"
	StateErrored   State = "errored"
)

var (
	// ErrBusy rejects re-entrant sends while a generation is in flight.
	ErrBusy = errors.New("generation already in flight")

	ErrClosed              = errors.New("session closed")
	ErrConversationUnknown = errors.New("unknown conversation")
)

// WarningEncryptionUnavailable is surfaced when encryption is enabled but
// no key material is available, so the message went out in plaintext.
const WarningEncryptionUnavailable = "encryption unavailable, message stored in plaintext"

// EventType discriminates Event.
type EventType string

const (
	EventMessageAppended EventType = "message_appended"
	EventMessageRemoved  EventType = "message_removed"
	EventTextDelta       EventType = "text_delta"
	EventStateChanged    EventType = "state_changed"
	EventWarning         EventType = "warning"
	EventErrorNotice     EventType = "error_notice"
)

// Event is surfaced to the observer as the timeline changes. Observers must
// not block; events are delivered synchronously on the engine's goroutine.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`

	MessageID string `json:"message_id,omitempty"`
	Delta     string `json:"delta,omitempty"`
	State     State  `json:"state,omitempty"`
	Warning   string `json:"warning,omitempty"`
	Error     string `json:"error,omitempty"`
}

func titleCandidate(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.TrimSpace(text)
	return truncateRunes(text, 48)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
