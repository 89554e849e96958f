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
	"github.com/veilchat/veil-engine/internal/config"
	"github.com/veilchat/veil-engine/internal/e2ee"
)

type ServiceOptions struct {
	Logger  *slog.Logger
	Config  *config.Config
	Gateway Gateway
	// Crypto may be nil; encryption is then off regardless of config.
	Crypto     *e2ee.Session
	Resolver   *attach.Resolver
	Transports TransportSource
	Audit      *auditlog.Store

	// Notify receives events from every session opened by this service.
	Notify func(Event)

	UserID       string
	SystemPrompt string
}

// Service manages conversation sessions for one user: opening, creating,
// listing, and deleting conversations, with one live Session per
// conversation.
type Service struct {
	log        *slog.Logger
	cfg        *config.Config
	gateway    Gateway
	crypto     *e2ee.Session
	resolver   *attach.Resolver
	transports TransportSource
	audit      *auditlog.Store
	notify     func(Event)

	userID       string
	systemPrompt string

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if opts.Gateway == nil {
		return nil, errors.New("missing gateway")
	}
	if opts.Transports == nil {
		return nil, errors.New("missing transports")
	}
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		return nil, errors.New("missing user id")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = attach.NewResolver(attach.ResolverOptions{Logger: logger})
	}
	return &Service{
		log:          logger,
		cfg:          opts.Config,
		gateway:      opts.Gateway,
		crypto:       opts.Crypto,
		resolver:     resolver,
		transports:   opts.Transports,
		audit:        opts.Audit,
		notify:       opts.Notify,
		userID:       userID,
		systemPrompt: opts.SystemPrompt,
		sessions:     make(map[string]*Session),
	}, nil
}

// Create starts a new conversation and returns its live session.
func (s *Service) Create(ctx context.Context) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	s.setupCrypto(ctx)

	now := time.Now().UnixMilli()
	conv := Conversation{
		ID:              uuid.NewString(),
		UserID:          s.userID,
		CreatedAtUnixMs: now,
		UpdatedAtUnixMs: now,
	}
	if err := s.gateway.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	sess, err := s.newSession(conv)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sess.markClosed()
		return nil, ErrClosed
	}
	s.sessions[conv.ID] = sess
	return sess, nil
}

// Open returns the live session for a conversation, hydrating the timeline
// from the gateway on first open.
func (s *Service) Open(ctx context.Context, conversationID string) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("missing conversation id")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if sess, ok := s.sessions[conversationID]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	s.setupCrypto(ctx)

	conv, err := s.gateway.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationUnknown
	}

	sess, err := s.newSession(*conv)
	if err != nil {
		return nil, err
	}
	if err := sess.Load(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sess.markClosed()
		return nil, ErrClosed
	}
	if existing, ok := s.sessions[conversationID]; ok {
		return existing, nil
	}
	s.sessions[conversationID] = sess
	return sess, nil
}

// Conversations lists the user's conversations, newest first.
func (s *Service) Conversations(ctx context.Context) ([]Conversation, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.gateway.ListConversations(ctx, s.userID)
}

// Delete removes a conversation and all its messages. A session streaming
// for it is cancelled and closed; its completion is dropped.
func (s *Service) Delete(ctx context.Context, conversationID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("missing conversation id")
	}

	s.mu.Lock()
	sess := s.sessions[conversationID]
	delete(s.sessions, conversationID)
	s.mu.Unlock()
	if sess != nil {
		sess.markClosed()
	}

	if err := s.gateway.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.Append(auditlog.Entry{
			Action:         auditlog.ActionConversationDeleted,
			Status:         "success",
			ConversationID: conversationID,
			UserID:         s.userID,
		})
	}
	return nil
}

// Close shuts all live sessions down. In-flight generations are cancelled.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.markClosed()
	}
	return nil
}

func (s *Service) newSession(conv Conversation) (*Session, error) {
	providerID, modelID := s.defaultBackend()
	return NewSession(SessionOptions{
		Logger:            s.log,
		Gateway:           s.gateway,
		Crypto:            s.crypto,
		Resolver:          s.resolver,
		Transports:        s.transports,
		Audit:             s.audit,
		Notify:            s.notify,
		Conversation:      conv,
		UserID:            s.userID,
		EncryptionEnabled: s.cfg.Encryption.Enabled,
		ProviderID:        providerID,
		ModelID:           modelID,
		SystemPrompt:      s.systemPrompt,
	})
}

func (s *Service) defaultBackend() (string, string) {
	if providerID, modelID, ok := s.cfg.DefaultModel(); ok {
		return providerID, modelID
	}
	return strings.TrimSpace(s.cfg.DefaultProvider), ""
}

// setupCrypto runs key setup once per process lifetime, best-effort: the
// e2ee session caches its material and degrades to local-only or plaintext
// on directory failures.
func (s *Service) setupCrypto(ctx context.Context) {
	if s.crypto == nil || !s.cfg.Encryption.Enabled {
		return
	}
	if _, ok := s.crypto.Material(); ok {
		return
	}
	if _, err := s.crypto.Setup(ctx, s.userID); err != nil {
		s.log.Warn("encryption setup failed, continuing without encryption", "user_id", s.userID, "error", err)
		return
	}
	if s.audit != nil {
		s.audit.Append(auditlog.Entry{
			Action: auditlog.ActionKeysReconciled,
			Status: "success",
			UserID: s.userID,
		})
	}
}
