package convo

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilchat/veil-engine/internal/attach"
	"github.com/veilchat/veil-engine/internal/auditlog"
	"github.com/veilchat/veil-engine/internal/e2ee"
	"github.com/veilchat/veil-engine/internal/llm"
)

// TransportSource yields a streaming transport per provider id. Satisfied by
// llm.Registry.
type TransportSource interface {
	Transport(providerID string) (llm.Transport, error)
}

type SessionOptions struct {
	Logger  *slog.Logger
	Gateway Gateway
	// Crypto may be nil when encryption is disabled.
	Crypto     *e2ee.Session
	Resolver   *attach.Resolver
	Transports TransportSource
	Audit      *auditlog.Store

	// Notify receives timeline events synchronously on the engine's
	// goroutine. It must not block and must not call back into the session.
	Notify func(Event)

	Conversation Conversation
	UserID       string

	EncryptionEnabled bool
	ProviderID        string
	ModelID           string
	SystemPrompt      string
	MaxOutputTokens   int
}

// Session owns the live timeline of one conversation. All mutation goes
// through its operations; collaborators (crypto, resolver, transport) are
// pure request/response and never touch the timeline.
//
// One generation may be in flight at a time; re-entrant sends return
// ErrBusy. Cancellation is per session, owned here, and cannot leak into
// another conversation's stream.
type Session struct {
	log        *slog.Logger
	gateway    Gateway
	crypto     *e2ee.Session
	resolver   *attach.Resolver
	transports TransportSource
	audit      *auditlog.Store
	notify     func(Event)

	userID            string
	encryptionEnabled bool
	systemPrompt      string
	maxOutputTokens   int

	mu            sync.Mutex
	conv          Conversation
	providerID    string
	modelID       string
	state         State
	messages      []Message
	cancel        context.CancelFunc
	lastCreatedMs int64
	convKey       *e2ee.ConversationKey
	closed        bool
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Gateway == nil {
		return nil, errors.New("missing gateway")
	}
	if opts.Transports == nil {
		return nil, errors.New("missing transports")
	}
	if strings.TrimSpace(opts.Conversation.ID) == "" {
		return nil, errors.New("missing conversation id")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = attach.NewResolver(attach.ResolverOptions{Logger: logger})
	}
	return &Session{
		log:               logger,
		gateway:           opts.Gateway,
		crypto:            opts.Crypto,
		resolver:          resolver,
		transports:        opts.Transports,
		audit:             opts.Audit,
		notify:            opts.Notify,
		userID:            strings.TrimSpace(opts.UserID),
		encryptionEnabled: opts.EncryptionEnabled && opts.Crypto != nil,
		systemPrompt:      opts.SystemPrompt,
		maxOutputTokens:   opts.MaxOutputTokens,
		conv:              opts.Conversation,
		providerID:        strings.TrimSpace(opts.ProviderID),
		modelID:           strings.TrimSpace(opts.ModelID),
		state:             StateIdle,
	}, nil
}

// SetBackend switches the provider/model used from the next send onward.
// A generation already streaming is unaffected.
func (s *Session) SetBackend(providerID string, modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := strings.TrimSpace(providerID); p != "" {
		s.providerID = p
	}
	if m := strings.TrimSpace(modelID); m != "" {
		s.modelID = m
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a snapshot of the timeline.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) Conversation() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// Load hydrates the timeline from the gateway. Rows that fail to decrypt
// render the placeholder text; a bad row never hides the rest of the
// timeline.
func (s *Session) Load(ctx context.Context) error {
	if s == nil {
		return errors.New("nil session")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	convID := s.conv.ID
	s.mu.Unlock()

	rows, err := s.gateway.ListMessages(ctx, convID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = s.messages[:0]
	s.lastCreatedMs = 0
	for _, m := range rows {
		if m.IsEncrypted {
			m.Content = s.decryptLocked(m)
		}
		s.messages = append(s.messages, m)
		if m.CreatedAtUnixMs > s.lastCreatedMs {
			s.lastCreatedMs = m.CreatedAtUnixMs
		}
	}
	return nil
}

// Send submits user text plus attachments and streams the reply.
// It blocks until the generation reaches a terminal state; progress is
// surfaced through events.
func (s *Session) Send(ctx context.Context, text string, attachments ...attach.Input) error {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return nil
	}
	return s.run(ctx, text, attachments, true)
}

// Cancel cooperatively stops the in-flight generation, if any. Cancellation
// is silent: the placeholder is removed, nothing is appended, nothing is
// persisted.
func (s *Session) Cancel() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil && (s.state == StateSending || s.state == StateStreaming) {
		s.cancel()
	}
}

// Edit removes the target message and everything after it, then re-submits
// the edited text through the normal send path. An unknown message id or
// empty replacement text is a no-op; the timeline is not truncated.
func (s *Session) Edit(ctx context.Context, messageID string, newText string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	idx := s.indexOfLocked(messageID)
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	target := s.messages[idx]
	for _, m := range s.messages[idx:] {
		s.emitLocked(Event{Type: EventMessageRemoved, MessageID: m.ID})
	}
	s.messages = s.messages[:idx]
	convID := s.conv.ID
	s.mu.Unlock()

	if err := s.gateway.DeleteMessagesFrom(ctx, convID, target.CreatedAtUnixMs); err != nil {
		return err
	}
	s.auditEntry(auditlog.Entry{
		Action:         auditlog.ActionMessageEdited,
		Status:         "success",
		ConversationID: convID,
		MessageID:      target.ID,
	})
	return s.run(ctx, newText, nil, true)
}

// Regenerate drops the latest assistant message and streams a fresh reply
// to the latest remaining user message. A no-op unless the timeline holds
// at least one of each.
func (s *Session) Regenerate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	assistantIdx := -1
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == RoleAssistant && !s.messages[i].IsThinking {
			assistantIdx = i
			break
		}
	}
	userIdx := -1
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == RoleUser {
			userIdx = i
			break
		}
	}
	if assistantIdx < 0 || userIdx < 0 {
		s.mu.Unlock()
		return nil
	}
	dropped := s.messages[assistantIdx]
	s.messages = append(s.messages[:assistantIdx], s.messages[assistantIdx+1:]...)
	s.emitLocked(Event{Type: EventMessageRemoved, MessageID: dropped.ID})
	convID := s.conv.ID
	s.mu.Unlock()

	if err := s.gateway.DeleteMessage(ctx, convID, dropped.ID); err != nil {
		s.log.Warn("deleting regenerated assistant message failed", "conversation_id", convID, "message_id", dropped.ID, "error", err)
	}
	s.auditEntry(auditlog.Entry{
		Action:         auditlog.ActionRegenerated,
		Status:         "success",
		ConversationID: convID,
		MessageID:      dropped.ID,
	})
	return s.run(ctx, "", nil, false)
}

// DeleteMessage removes one message. Permitted while streaming: a delete
// always wins the race, and a completion arriving for a vanished message is
// dropped silently.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	idx := s.indexOfLocked(messageID)
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	removed := s.messages[idx]
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	s.emitLocked(Event{Type: EventMessageRemoved, MessageID: removed.ID})
	convID := s.conv.ID
	s.mu.Unlock()

	if removed.IsThinking {
		return nil
	}
	if err := s.gateway.DeleteMessage(ctx, convID, removed.ID); err != nil {
		return err
	}
	s.auditEntry(auditlog.Entry{
		Action:         auditlog.ActionMessageDeleted,
		Status:         "success",
		ConversationID: convID,
		MessageID:      removed.ID,
	})
	return nil
}

// run is the single generation pipeline behind Send, Edit, and Regenerate.
// When appendUser is false the timeline's latest user message is resubmitted
// as-is.
func (s *Session) run(ctx context.Context, text string, attachments []attach.Input, appendUser bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	s.setStateLocked(StateSending)
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	providerID, modelID := s.providerID, s.modelID
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.setStateLocked(StateIdle)
		s.mu.Unlock()
	}()

	var userMsgID string
	if appendUser {
		s.mu.Lock()
		userMsg := Message{
			ID:              uuid.NewString(),
			ConversationID:  s.conv.ID,
			Role:            RoleUser,
			Content:         text,
			Attachment:      attachmentMeta(attachments),
			CreatedAtUnixMs: s.nextTimestampLocked(),
			Persist:         PersistPending,
		}
		s.messages = append(s.messages, userMsg)
		userMsgID = userMsg.ID
		s.emitLocked(Event{Type: EventMessageAppended, MessageID: userMsg.ID})
		s.mu.Unlock()

		s.persistMessage(ctx, userMsg)
		s.bootstrapTitle(ctx, text)
		s.auditEntry(auditlog.Entry{
			Action:         auditlog.ActionMessageSent,
			Status:         "success",
			ConversationID: s.conv.ID,
			MessageID:      userMsg.ID,
			Provider:       providerID,
			Model:          modelID,
		})
	} else {
		s.mu.Lock()
		for i := len(s.messages) - 1; i >= 0; i-- {
			if s.messages[i].Role == RoleUser {
				userMsgID = s.messages[i].ID
				break
			}
		}
		s.mu.Unlock()
		if userMsgID == "" {
			return nil
		}
	}

	// Resolution happens after the optimistic append so the timeline shows
	// the user turn while a slow extractor works.
	units := s.resolver.ResolveAll(runCtx, attachments)

	transport, err := s.transports.Transport(providerID)
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(StateErrored)
		s.emitLocked(Event{Type: EventErrorNotice, Error: "model backend unavailable"})
		s.mu.Unlock()
		s.auditFailure(auditlog.ActionGenerationFailed, userMsgID, providerID, modelID, err)
		return err
	}

	s.mu.Lock()
	thinking := Message{
		ID:              uuid.NewString(),
		ConversationID:  s.conv.ID,
		Role:            RoleAssistant,
		IsThinking:      true,
		CreatedAtUnixMs: s.nextTimestampLocked(),
	}
	s.messages = append(s.messages, thinking)
	s.emitLocked(Event{Type: EventMessageAppended, MessageID: thinking.ID})
	s.setStateLocked(StateStreaming)
	req := s.buildRequestLocked(modelID, units)
	s.mu.Unlock()

	res, streamErr := transport.Stream(runCtx, req, func(tok llm.Token) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.indexOfLocked(thinking.ID) < 0 {
			return
		}
		s.emitLocked(Event{Type: EventTextDelta, MessageID: thinking.ID, Delta: tok.Text})
	})

	s.mu.Lock()
	placeholderAlive := s.removeLocked(thinking.ID)
	userAlive := s.indexOfLocked(userMsgID) >= 0
	closed := s.closed
	s.mu.Unlock()

	if closed || !placeholderAlive || !userAlive {
		// A delete won the race; the completion belongs to a timeline that
		// no longer exists.
		return nil
	}

	if streamErr != nil {
		s.mu.Lock()
		s.setStateLocked(StateErrored)
		s.emitLocked(Event{Type: EventErrorNotice, Error: "generation failed"})
		s.mu.Unlock()
		s.auditFailure(auditlog.ActionGenerationFailed, userMsgID, providerID, modelID, streamErr)
		return streamErr
	}
	if res.Canceled() || runCtx.Err() != nil {
		s.mu.Lock()
		s.setStateLocked(StateCancelled)
		s.mu.Unlock()
		s.auditEntry(auditlog.Entry{
			Action:         auditlog.ActionGenerationCanceled,
			Status:         "success",
			ConversationID: s.conv.ID,
			MessageID:      userMsgID,
			Provider:       providerID,
			Model:          modelID,
		})
		return nil
	}

	s.mu.Lock()
	assistant := Message{
		ID:              uuid.NewString(),
		ConversationID:  s.conv.ID,
		Role:            RoleAssistant,
		Content:         res.Text,
		CreatedAtUnixMs: s.nextTimestampLocked(),
		Persist:         PersistPending,
	}
	s.messages = append(s.messages, assistant)
	s.emitLocked(Event{Type: EventMessageAppended, MessageID: assistant.ID})
	s.setStateLocked(StateFinalized)
	s.mu.Unlock()

	s.persistMessage(ctx, assistant)
	s.auditEntry(auditlog.Entry{
		Action:         auditlog.ActionGenerationFinalized,
		Status:         "success",
		ConversationID: s.conv.ID,
		MessageID:      assistant.ID,
		Provider:       providerID,
		Model:          modelID,
	})
	return nil
}

// persistMessage encrypts when possible, inserts, and confirms. Persistence
// failures leave the message pending and surface a warning instead of
// failing the operation; the two-phase state makes the divergence visible
// for later reconciliation.
func (s *Session) persistMessage(ctx context.Context, m Message) {
	s.encryptForPersist(ctx, &m)

	stored := m
	if stored.IsEncrypted {
		stored.Content = ""
	}
	if err := s.gateway.InsertMessage(ctx, stored); err != nil {
		s.log.Warn("persisting message failed", "conversation_id", m.ConversationID, "message_id", m.ID, "error", err)
		s.mu.Lock()
		s.emitLocked(Event{Type: EventWarning, MessageID: m.ID, Warning: "message not persisted"})
		s.mu.Unlock()
		return
	}
	if err := s.gateway.ConfirmMessage(ctx, m.ConversationID, m.ID); err != nil {
		s.log.Warn("confirming message failed", "conversation_id", m.ConversationID, "message_id", m.ID, "error", err)
		return
	}
	s.mu.Lock()
	if idx := s.indexOfLocked(m.ID); idx >= 0 {
		s.messages[idx].Persist = PersistConfirmed
		// Timeline rows keep the same shape as hydrated ones: plaintext
		// Content plus, when encrypted, the stored envelope.
		s.messages[idx].IsEncrypted = m.IsEncrypted
		s.messages[idx].EncryptedContent = m.EncryptedContent
		s.messages[idx].Nonce = m.Nonce
	}
	s.mu.Unlock()
}

// encryptForPersist is opportunistic: when encryption is enabled but key
// material is unavailable the message still goes out, in plaintext, with a
// loud warning. Sending never blocks on a key exchange.
func (s *Session) encryptForPersist(ctx context.Context, m *Message) {
	if !s.encryptionEnabled {
		return
	}
	key := s.conversationKey(ctx)
	if key == nil {
		s.mu.Lock()
		s.emitLocked(Event{Type: EventWarning, MessageID: m.ID, Warning: WarningEncryptionUnavailable})
		s.mu.Unlock()
		s.auditEntry(auditlog.Entry{
			Action:         auditlog.ActionEncryptionDegraded,
			Status:         "failure",
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
		})
		return
	}
	env, err := e2ee.Encrypt([]byte(m.Content), key)
	if err != nil {
		s.log.Warn("encrypting message failed", "message_id", m.ID, "error", err)
		return
	}
	m.IsEncrypted = true
	m.EncryptedContent = env.CipherText
	m.Nonce = env.Nonce
}

// conversationKey returns the symmetric key for this conversation, minting
// and wrapping a fresh one on first encrypted persist. Returns nil when no
// usable key material exists.
func (s *Session) conversationKey(ctx context.Context) *e2ee.ConversationKey {
	s.mu.Lock()
	if s.convKey != nil {
		key := s.convKey
		s.mu.Unlock()
		return key
	}
	wrapped := s.conv.WrappedKey
	convID := s.conv.ID
	s.mu.Unlock()

	if s.crypto == nil {
		return nil
	}
	material, ok := s.crypto.Material()
	if !ok {
		return nil
	}

	if len(wrapped) > 0 {
		key, err := e2ee.UnwrapKey(wrapped, material)
		if err != nil {
			s.log.Warn("unwrapping conversation key failed", "conversation_id", convID, "error", err)
			return nil
		}
		s.mu.Lock()
		s.convKey = key
		s.mu.Unlock()
		return key
	}

	key, err := e2ee.NewConversationKey()
	if err != nil {
		s.log.Warn("generating conversation key failed", "error", err)
		return nil
	}
	sealed, err := e2ee.WrapKey(key, material.PublicKey)
	if err != nil {
		s.log.Warn("wrapping conversation key failed", "error", err)
		return nil
	}
	if err := s.gateway.SetWrappedKey(ctx, convID, sealed); err != nil {
		// Without the wrapped key on record, ciphertext written now would
		// be unreadable to future sessions. Fall back to plaintext.
		s.log.Warn("storing wrapped conversation key failed", "conversation_id", convID, "error", err)
		return nil
	}
	s.mu.Lock()
	s.convKey = key
	s.conv.WrappedKey = sealed
	s.mu.Unlock()
	return key
}

func (s *Session) decryptLocked(m Message) string {
	key := s.convKeyFromWrappedLocked()
	if key == nil {
		return e2ee.DecryptFailurePlaceholder
	}
	plain, err := e2ee.Decrypt(e2ee.Envelope{CipherText: m.EncryptedContent, Nonce: m.Nonce}, key)
	if err != nil {
		s.log.Warn("decrypting message failed", "conversation_id", m.ConversationID, "message_id", m.ID, "error", err)
		return e2ee.DecryptFailurePlaceholder
	}
	return string(plain)
}

func (s *Session) convKeyFromWrappedLocked() *e2ee.ConversationKey {
	if s.convKey != nil {
		return s.convKey
	}
	if s.crypto == nil || len(s.conv.WrappedKey) == 0 {
		return nil
	}
	material, ok := s.crypto.Material()
	if !ok {
		return nil
	}
	key, err := e2ee.UnwrapKey(s.conv.WrappedKey, material)
	if err != nil {
		return nil
	}
	s.convKey = key
	return key
}

func (s *Session) bootstrapTitle(ctx context.Context, text string) {
	s.mu.Lock()
	needsTitle := strings.TrimSpace(s.conv.Title) == ""
	convID := s.conv.ID
	s.mu.Unlock()
	if !needsTitle {
		return
	}
	candidate := titleCandidate(text)
	if candidate == "" {
		return
	}
	if err := s.gateway.UpdateTitle(ctx, convID, candidate); err != nil {
		s.log.Warn("setting conversation title failed", "conversation_id", convID, "error", err)
		return
	}
	s.mu.Lock()
	s.conv.Title = candidate
	s.conv.UpdatedAtUnixMs = time.Now().UnixMilli()
	s.mu.Unlock()
}

func (s *Session) buildRequestLocked(modelID string, units []attach.ContentUnit) llm.Request {
	req := llm.Request{
		Model:           modelID,
		System:          s.systemPrompt,
		MaxOutputTokens: s.maxOutputTokens,
	}
	for _, m := range s.messages {
		if m.IsThinking {
			continue
		}
		req.Messages = append(req.Messages, llm.Message{
			Role: llmRole(m.Role),
			Text: m.Content,
		})
	}
	if len(units) == 0 || len(req.Messages) == 0 {
		return req
	}

	// Attach resolved units to the final user turn.
	last := &req.Messages[len(req.Messages)-1]
	if last.Role != llm.RoleUser {
		return req
	}
	for _, unit := range units {
		switch u := unit.(type) {
		case attach.TextUnit:
			if last.Text != "" {
				last.Text += "\n\n"
			}
			last.Text += u.Text
		case attach.InlineMediaUnit:
			last.Media = append(last.Media, llm.Media{MimeType: u.MimeType, Data: u.Data})
		case attach.ExternalRefUnit:
			last.ExternalRefs = append(last.ExternalRefs, u.URI)
		case attach.LinkUnit:
			last.ExternalRefs = append(last.ExternalRefs, u.URI)
		}
	}
	return req
}

func llmRole(r Role) llm.Role {
	switch r {
	case RoleAssistant:
		return llm.RoleAssistant
	case RoleSystem:
		return llm.RoleSystem
	default:
		return llm.RoleUser
	}
}

func attachmentMeta(inputs []attach.Input) *Attachment {
	if len(inputs) == 0 {
		return nil
	}
	in := inputs[0]
	kind := AttachmentDocument
	switch attach.ClassifyMime(in.MimeType) {
	case attach.KindImage:
		kind = AttachmentImage
	case attach.KindAudio:
		kind = AttachmentAudio
	case attach.KindVideo:
		kind = AttachmentVideo
	}
	if strings.TrimSpace(in.URI) != "" && len(in.Data) == 0 {
		kind = AttachmentVideo
	}
	return &Attachment{
		Kind:      kind,
		Name:      in.Name,
		Locator:   in.URI,
		SizeBytes: int64(len(in.Data)),
	}
}

// nextTimestampLocked keeps created_at strictly increasing within the
// conversation even when the wall clock does not move between appends.
func (s *Session) nextTimestampLocked() int64 {
	now := time.Now().UnixMilli()
	if now <= s.lastCreatedMs {
		now = s.lastCreatedMs + 1
	}
	s.lastCreatedMs = now
	return now
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	s.emitLocked(Event{Type: EventStateChanged, State: next})
}

func (s *Session) emitLocked(ev Event) {
	if s.notify == nil {
		return
	}
	ev.ConversationID = s.conv.ID
	s.notify(ev)
}

func (s *Session) indexOfLocked(messageID string) int {
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

func (s *Session) removeLocked(messageID string) bool {
	idx := s.indexOfLocked(messageID)
	if idx < 0 {
		return false
	}
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	s.emitLocked(Event{Type: EventMessageRemoved, MessageID: messageID})
	return true
}

func (s *Session) auditEntry(e auditlog.Entry) {
	if s.audit == nil {
		return
	}
	if e.UserID == "" {
		e.UserID = s.userID
	}
	s.audit.Append(e)
}

func (s *Session) auditFailure(action string, messageID string, providerID string, modelID string, err error) {
	entry := auditlog.Entry{
		Action:         action,
		Status:         "failure",
		ConversationID: s.conv.ID,
		MessageID:      messageID,
		Provider:       providerID,
		Model:          modelID,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.auditEntry(entry)
}

// markClosed detaches the session; subsequent operations return ErrClosed
// and an in-flight completion is dropped.
func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
}
