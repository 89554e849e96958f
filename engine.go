// Package veilengine assembles the conversation engine: configuration,
// encrypted persistence, model transports, attachment handling, and the
// per-conversation session machinery. The host chat application embeds an
// Engine and talks to conversations through convo.Service.
package veilengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/veilchat/veil-engine/internal/attach"
	"github.com/veilchat/veil-engine/internal/auditlog"
	"github.com/veilchat/veil-engine/internal/config"
	"github.com/veilchat/veil-engine/internal/convo"
	"github.com/veilchat/veil-engine/internal/convo/convostore"
	"github.com/veilchat/veil-engine/internal/e2ee"
	"github.com/veilchat/veil-engine/internal/llm"
	"github.com/veilchat/veil-engine/internal/lockfile"
)

// ErrStateDirLocked indicates another engine process owns the state directory.
var ErrStateDirLocked = errors.New("state directory locked by another process")

// Options configures New.
type Options struct {
	// ConfigPath points at the engine.yaml file. Ignored when Config is set.
	ConfigPath string
	// Config takes precedence over ConfigPath. It must already validate.
	Config *config.Config

	// StateDir overrides the config's state_dir.
	StateDir string

	// Logger overrides the logger built from the config's log_format/log_level.
	Logger *slog.Logger

	// UserID identifies the local account. Required.
	UserID string

	// SystemPrompt is prepended to every model request. Optional.
	SystemPrompt string

	// Notify receives conversation events from every session. Optional.
	// Callbacks run on the session goroutine and must not block.
	Notify func(convo.Event)

	// Extractor converts document attachments to text. Optional; without it
	// documents degrade to placeholders.
	Extractor attach.TextExtractor
}

// Engine owns the state directory and every subsystem built on it. One Engine
// per state directory per process; a flock on engine.lock enforces cross-process
// exclusivity so two clients never race the sqlite store or the keystore.
type Engine struct {
	log      *slog.Logger
	cfg      *config.Config
	stateDir string
	userID   string

	lock    *lockfile.Lock
	store   *convostore.Store
	secrets *config.SecretsStore
	crypto  *e2ee.Session
	models  *llm.Registry
	uploads *attach.UploadStore
	audit   *auditlog.Store
	service *convo.Service
}

// New builds an Engine from opts, acquiring the state directory lock and
// opening every store. On any failure it releases whatever it had opened.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		return nil, errors.New("missing user id")
	}

	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		stateDir = strings.TrimSpace(cfg.StateDir)
	}
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve state dir: %w", err)
		}
		stateDir = filepath.Join(home, ".veilchat")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		l, err := newLogger(cfg.LogFormat, cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	lock, err := lockfile.Acquire(filepath.Join(stateDir, "engine.lock"))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return nil, fmt.Errorf("%w: %s", ErrStateDirLocked, stateDir)
		}
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}

	e := &Engine{
		log:      logger,
		cfg:      cfg,
		stateDir: stateDir,
		userID:   userID,
		lock:     lock,
	}

	store, err := convostore.Open(filepath.Join(stateDir, "engine.sqlite"))
	if err != nil {
		e.closePartial()
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	e.store = store

	e.secrets = config.NewSecretsStore(filepath.Join(stateDir, "secrets.json"))

	if cfg.Encryption.Enabled {
		crypto, err := e2ee.NewSession(e2ee.Options{
			Logger:       logger,
			Directory:    store,
			KeystorePath: filepath.Join(stateDir, "keystore.json"),
		})
		if err != nil {
			e.closePartial()
			return nil, fmt.Errorf("init crypto session: %w", err)
		}
		e.crypto = crypto
	}

	uploads, err := attach.NewUploadStore(stateDir)
	if err != nil {
		e.closePartial()
		return nil, fmt.Errorf("open upload store: %w", err)
	}
	e.uploads = uploads

	audit, err := auditlog.New(auditlog.Options{Logger: logger, StateDir: stateDir})
	if err != nil {
		e.closePartial()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	e.audit = audit

	e.models = llm.NewRegistry(cfg, e.secrets, logger)

	resolver := attach.NewResolver(attach.ResolverOptions{
		Logger:    logger,
		Extractor: opts.Extractor,
	})

	service, err := convo.NewService(convo.ServiceOptions{
		Logger:       logger,
		Config:       cfg,
		Gateway:      store,
		Crypto:       e.crypto,
		Resolver:     resolver,
		Transports:   e.models,
		Audit:        audit,
		Notify:       opts.Notify,
		UserID:       userID,
		SystemPrompt: opts.SystemPrompt,
	})
	if err != nil {
		e.closePartial()
		return nil, err
	}
	e.service = service

	logger.Info("engine ready", "state_dir", stateDir, "encryption", cfg.Encryption.Enabled)
	return e, nil
}

// Service exposes conversation management (create, open, send, and so on).
func (e *Engine) Service() *convo.Service {
	if e == nil {
		return nil
	}
	return e.service
}

// Uploads exposes the staged attachment store.
func (e *Engine) Uploads() *attach.UploadStore {
	if e == nil {
		return nil
	}
	return e.uploads
}

// Audit exposes the append-only action log.
func (e *Engine) Audit() *auditlog.Store {
	if e == nil {
		return nil
	}
	return e.audit
}

// StateDir returns the resolved state directory.
func (e *Engine) StateDir() string {
	if e == nil {
		return ""
	}
	return e.stateDir
}

// SetProviderAPIKey stores a provider api key in the local secrets file and
// drops any cached transport for it so the next send picks up the new key.
func (e *Engine) SetProviderAPIKey(providerID string, apiKey string) error {
	if e == nil {
		return errors.New("nil engine")
	}
	if err := e.secrets.SetProviderAPIKey(providerID, apiKey); err != nil {
		return err
	}
	e.models.Reset()
	return nil
}

// ClearProviderAPIKey removes a stored provider api key.
func (e *Engine) ClearProviderAPIKey(providerID string) error {
	if e == nil {
		return errors.New("nil engine")
	}
	if err := e.secrets.ClearProviderAPIKey(providerID); err != nil {
		return err
	}
	e.models.Reset()
	return nil
}

// Close shuts the engine down: sessions first, then stores, then the state
// directory lock. Safe to call more than once.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	var firstErr error
	if e.service != nil {
		if err := e.service.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.service = nil
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.store = nil
	}
	if e.lock != nil {
		if err := e.lock.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.lock = nil
	}
	return firstErr
}

// closePartial tears down a half-built engine during New.
func (e *Engine) closePartial() {
	if e.store != nil {
		_ = e.store.Close()
		e.store = nil
	}
	if e.lock != nil {
		_ = e.lock.Release()
		e.lock = nil
	}
}

// Setup provisions the local keypair for the configured user. It is safe to
// call on every startup; existing key material is reused. A no-op when
// encryption is disabled.
func (e *Engine) Setup(ctx context.Context) error {
	if e == nil || e.crypto == nil {
		return nil
	}
	_, err := e.crypto.Setup(ctx, e.userID)
	return err
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
