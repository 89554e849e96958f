package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for the engine (engine.yaml).
//
// Notes:
//   - Secrets (provider api keys) must never be stored here. Keys live in a
//     separate local secrets file managed by SecretsStore.
//   - Field names are snake_case to match the host application's config surface.
type Config struct {
	// StateDir is the filesystem root for engine state (keystore, uploads,
	// sqlite database, audit log). If empty, callers pick a default.
	StateDir string `yaml:"state_dir,omitempty"`

	// DefaultProvider is the provider id used when a send does not name one.
	DefaultProvider string `yaml:"default_provider,omitempty"`

	// Providers is the model backend registry available to the engine.
	//
	// Notes:
	// - Providers own their allowed model list (provider + model are always configured together).
	// - Exactly one provider model must be marked as default via models[].is_default.
	Providers []Provider `yaml:"providers,omitempty"`

	// Encryption controls whether new conversations are end-to-end encrypted.
	Encryption EncryptionConfig `yaml:"encryption,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

type EncryptionConfig struct {
	Enabled bool `yaml:"enabled"`
}

type Provider struct {
	// ID is a stable internal id (primary key). It must not change once used
	// for secrets or conversation routing.
	ID string `yaml:"id"`

	// Name is a human-friendly display name (safe to rename at any time).
	Name string `yaml:"name,omitempty"`

	// Type is one of: "local" | "cloud" | "openai_compatible".
	Type string `yaml:"type"`

	// BaseURL is required for "local" and "openai_compatible" providers.
	BaseURL string `yaml:"base_url,omitempty"`

	Models []Model `yaml:"models,omitempty"`
}

type Model struct {
	ID        string `yaml:"id"`
	IsDefault bool   `yaml:"is_default,omitempty"`
}

const (
	ProviderTypeLocal            = "local"
	ProviderTypeCloud            = "cloud"
	ProviderTypeOpenAICompatible = "openai_compatible"
)

func Load(path string) (*Config, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing config path")
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	if len(c.Providers) == 0 {
		return nil
	}

	seen := map[string]bool{}
	defaults := 0
	for i := range c.Providers {
		p := &c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if seen[id] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = true

		switch strings.TrimSpace(p.Type) {
		case ProviderTypeCloud:
		case ProviderTypeLocal, ProviderTypeOpenAICompatible:
			base := strings.TrimSpace(p.BaseURL)
			if base == "" {
				return fmt.Errorf("provider %q: missing base_url", id)
			}
			u, err := url.Parse(base)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("provider %q: invalid base_url %q", id, base)
			}
		default:
			return fmt.Errorf("provider %q: invalid type %q", id, p.Type)
		}

		if len(p.Models) == 0 {
			return fmt.Errorf("provider %q: no models configured", id)
		}
		modelSeen := map[string]bool{}
		for j := range p.Models {
			m := &p.Models[j]
			mid := strings.TrimSpace(m.ID)
			if mid == "" {
				return fmt.Errorf("provider %q: models[%d]: missing id", id, j)
			}
			if modelSeen[mid] {
				return fmt.Errorf("provider %q: duplicate model id %q", id, mid)
			}
			modelSeen[mid] = true
			if m.IsDefault {
				defaults++
			}
		}
	}
	if defaults != 1 {
		return fmt.Errorf("exactly one model must be marked is_default, found %d", defaults)
	}

	if dp := strings.TrimSpace(c.DefaultProvider); dp != "" && !seen[dp] {
		return fmt.Errorf("default_provider %q is not a configured provider", dp)
	}
	return nil
}

// FindProvider returns the provider with the given id, or the provider that
// owns the default model when id is empty.
func (c *Config) FindProvider(id string) (*Provider, bool) {
	if c == nil {
		return nil, false
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = strings.TrimSpace(c.DefaultProvider)
	}
	if id == "" {
		for i := range c.Providers {
			for _, m := range c.Providers[i].Models {
				if m.IsDefault {
					return &c.Providers[i], true
				}
			}
		}
		return nil, false
	}
	for i := range c.Providers {
		if strings.TrimSpace(c.Providers[i].ID) == id {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// DefaultModel returns the provider id and model id of the registry default.
func (c *Config) DefaultModel() (string, string, bool) {
	if c == nil {
		return "", "", false
	}
	for i := range c.Providers {
		for _, m := range c.Providers[i].Models {
			if m.IsDefault {
				return strings.TrimSpace(c.Providers[i].ID), strings.TrimSpace(m.ID), true
			}
		}
	}
	return "", "", false
}
