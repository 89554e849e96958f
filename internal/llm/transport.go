// Package llm is the streaming transport over interchangeable model
// backends. Each provider implements the same Stream contract: tokens are
// surfaced in arrival order through a callback, cancellation is cooperative
// at chunk boundaries, and a cancelled stream terminates cleanly rather than
// as an error.
package llm

import (
	"context"
	"errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Media is an inline content block (image/audio/video bytes) attached to a
// message.
type Media struct {
	MimeType string
	Data     []byte
}

// Message is one conversation turn in provider-neutral form. Providers map
// roles to their own labels and media to their own block types.
type Message struct {
	Role Role
	Text string

	Media []Media
	// ExternalRefs are locators passed by reference (oversized videos,
	// recognized platform links).
	ExternalRefs []string
}

type Request struct {
	Model  string
	System string

	Messages []Message

	MaxOutputTokens int
	Temperature     *float64
}

// Token is one increment of streamed assistant text.
type Token struct {
	Text string
}

// Finish reasons reported in Result.
const (
	FinishStop     = "stop"
	FinishLength   = "length"
	FinishCanceled = "canceled"
)

type Result struct {
	// Text is the exact concatenation of all tokens surfaced before the
	// stream ended.
	Text         string
	FinishReason string
}

// Canceled reports whether the stream ended by cooperative cancellation.
func (r Result) Canceled() bool {
	return r.FinishReason == FinishCanceled
}

var (
	ErrMissingModel  = errors.New("missing model")
	ErrMissingAPIKey = errors.New("missing provider api key")
)

// Transport streams one model turn. Implementations must:
//   - invoke onToken once per received text chunk, in arrival order
//   - check ctx at every chunk boundary and, when cancelled, return a clean
//     Result (FinishCanceled) carrying the text observed so far, not an error
//   - skip malformed chunks with a logged warning instead of aborting
type Transport interface {
	Stream(ctx context.Context, req Request, onToken func(Token)) (Result, error)
}

func emitToken(onToken func(Token), text string) {
	if onToken == nil || text == "" {
		return
	}
	onToken(Token{Text: text})
}

func canceled(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
