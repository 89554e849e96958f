package llm

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/veilchat/veil-engine/internal/config"
)

// Registry turns configured providers into live transports. Transports are
// built lazily and cached per provider id; a secrets change invalidates the
// cache via Reset.
type Registry struct {
	cfg     *config.Config
	secrets *config.SecretsStore
	log     *slog.Logger

	mu    sync.Mutex
	cache map[string]Transport
}

func NewRegistry(cfg *config.Config, secrets *config.SecretsStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		secrets: secrets,
		log:     logger,
		cache:   make(map[string]Transport),
	}
}

// Transport returns the transport for the given provider id.
func (r *Registry) Transport(providerID string) (Transport, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return nil, fmt.Errorf("empty provider id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[providerID]; ok {
		return t, nil
	}

	provider, ok := r.cfg.FindProvider(providerID)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}

	t, err := r.build(provider)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", providerID, err)
	}
	r.cache[providerID] = t
	return t, nil
}

// Reset drops cached transports so the next call rebuilds them with current
// secrets.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]Transport)
}

func (r *Registry) build(provider *config.Provider) (Transport, error) {
	switch provider.Type {
	case config.ProviderTypeLocal:
		return NewLocalProvider(provider.BaseURL, LocalOptions{Logger: r.log})
	case config.ProviderTypeCloud:
		apiKey, ok, err := r.secrets.GetProviderAPIKey(provider.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrMissingAPIKey
		}
		return NewCloudProvider(apiKey, CloudOptions{Logger: r.log})
	case config.ProviderTypeOpenAICompatible:
		apiKey, _, err := r.secrets.GetProviderAPIKey(provider.ID)
		if err != nil {
			return nil, err
		}
		return NewOpenAICompatProvider(apiKey, OpenAICompatOptions{
			Logger:  r.log,
			BaseURL: provider.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unsupported provider type %q", provider.Type)
	}
}
