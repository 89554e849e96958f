package llm

import (
	"path/filepath"
	"testing"

	"github.com/veilchat/veil-engine/internal/config"
)

func newTestRegistry(t *testing.T) (*Registry, *config.SecretsStore) {
	t.Helper()
	cfg := &config.Config{
		DefaultProvider: "local",
		Providers: []config.Provider{
			{
				ID:      "local",
				Type:    config.ProviderTypeLocal,
				BaseURL: "http://127.0.0.1:11434",
				Models:  []config.Model{{ID: "llama3", IsDefault: true}},
			},
			{
				ID:     "cloud",
				Type:   config.ProviderTypeCloud,
				Models: []config.Model{{ID: "claude-sonnet-4-5"}},
			},
			{
				ID:      "gateway",
				Type:    config.ProviderTypeOpenAICompatible,
				BaseURL: "http://127.0.0.1:8000/v1",
				Models:  []config.Model{{ID: "qwen3"}},
			},
		},
	}
	secrets := config.NewSecretsStore(filepath.Join(t.TempDir(), "secrets.json"))
	return NewRegistry(cfg, secrets, nil), secrets
}

func TestRegistryBuildsLocalTransport(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	tr, err := reg.Transport("local")
	if err != nil {
		t.Fatalf("Transport: %v", err)
	}
	if _, ok := tr.(*LocalProvider); !ok {
		t.Fatalf("transport type = %T, want *LocalProvider", tr)
	}
}

func TestRegistryCloudNeedsAPIKey(t *testing.T) {
	t.Parallel()

	reg, secrets := newTestRegistry(t)
	if _, err := reg.Transport("cloud"); err == nil {
		t.Fatal("Transport succeeded without an API key")
	}

	if err := secrets.SetProviderAPIKey("cloud", "sk-test"); err != nil {
		t.Fatalf("SetProviderAPIKey: %v", err)
	}
	tr, err := reg.Transport("cloud")
	if err != nil {
		t.Fatalf("Transport after key set: %v", err)
	}
	if _, ok := tr.(*CloudProvider); !ok {
		t.Fatalf("transport type = %T, want *CloudProvider", tr)
	}
}

func TestRegistryOpenAICompatNoKeyRequired(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	tr, err := reg.Transport("gateway")
	if err != nil {
		t.Fatalf("Transport: %v", err)
	}
	if _, ok := tr.(*OpenAICompatProvider); !ok {
		t.Fatalf("transport type = %T, want *OpenAICompatProvider", tr)
	}
}

func TestRegistryCachesAndResets(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	a, err := reg.Transport("local")
	if err != nil {
		t.Fatalf("Transport: %v", err)
	}
	b, err := reg.Transport("local")
	if err != nil {
		t.Fatalf("Transport: %v", err)
	}
	if a != b {
		t.Fatal("second lookup did not hit the cache")
	}

	reg.Reset()
	c, err := reg.Transport("local")
	if err != nil {
		t.Fatalf("Transport after Reset: %v", err)
	}
	if a == c {
		t.Fatal("Reset did not rebuild the transport")
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	if _, err := reg.Transport("nope"); err == nil {
		t.Fatal("Transport succeeded for unknown provider")
	}
}
