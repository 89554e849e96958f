package veilengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/veilchat/veil-engine/internal/config"
	"github.com/veilchat/veil-engine/internal/convo"
)

func newLocalBackend(t *testing.T, reply ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		for i, chunk := range reply {
			done := i == len(reply)-1
			if done {
				fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":true,"done_reason":"stop"}`+"\n", chunk)
			} else {
				fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", chunk)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string, encrypted bool) *config.Config {
	return &config.Config{
		DefaultProvider: "ollama",
		Providers: []config.Provider{
			{
				ID:      "ollama",
				Name:    "Local Ollama",
				Type:    config.ProviderTypeLocal,
				BaseURL: baseURL,
				Models:  []config.Model{{ID: "llama3", IsDefault: true}},
			},
		},
		Encryption: config.EncryptionConfig{Enabled: encrypted},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	eng, err := New(Options{
		Config:   cfg,
		StateDir: t.TempDir(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})),
		UserID:   "u_1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestEngineSendEndToEnd(t *testing.T) {
	t.Parallel()

	srv := newLocalBackend(t, "Hello", " from", " llama")
	eng := newTestEngine(t, testConfig(srv.URL, false))

	sess, err := eng.Service().Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sess.Send(context.Background(), "hi there"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := sess.Messages()
	if got, want := len(msgs), 2; got != want {
		t.Fatalf("len(msgs) = %d, want %d", got, want)
	}
	if got, want := msgs[1].Content, "Hello from llama"; got != want {
		t.Fatalf("assistant content = %q, want %q", got, want)
	}
	if got, want := msgs[1].Persist, convo.PersistConfirmed; got != want {
		t.Fatalf("assistant persist = %q, want %q", got, want)
	}
}

func TestEngineReopenHydratesConversation(t *testing.T) {
	t.Parallel()

	srv := newLocalBackend(t, "remembered")
	cfg := testConfig(srv.URL, false)
	stateDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))

	eng, err := New(Options{Config: cfg, StateDir: stateDir, Logger: logger, UserID: "u_1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := eng.Service().Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sess.Send(context.Background(), "first message"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := sess.Conversation().ID
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	eng2, err := New(Options{Config: cfg, StateDir: stateDir, Logger: logger, UserID: "u_1"})
	if err != nil {
		t.Fatalf("New after reopen: %v", err)
	}
	defer eng2.Close()

	sess2, err := eng2.Service().Open(context.Background(), convID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	msgs := sess2.Messages()
	if got, want := len(msgs), 2; got != want {
		t.Fatalf("len(msgs) = %d, want %d", got, want)
	}
	if got, want := msgs[0].Content, "first message"; got != want {
		t.Fatalf("user content = %q, want %q", got, want)
	}
	if got, want := msgs[1].Content, "remembered"; got != want {
		t.Fatalf("assistant content = %q, want %q", got, want)
	}
}

func TestEngineEncryptedRoundTrip(t *testing.T) {
	t.Parallel()

	srv := newLocalBackend(t, "secret reply")
	cfg := testConfig(srv.URL, true)
	stateDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))

	eng, err := New(Options{Config: cfg, StateDir: stateDir, Logger: logger, UserID: "u_1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	sess, err := eng.Service().Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sess.Send(context.Background(), "keep this private"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := sess.Conversation().ID
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	eng2, err := New(Options{Config: cfg, StateDir: stateDir, Logger: logger, UserID: "u_1"})
	if err != nil {
		t.Fatalf("New after reopen: %v", err)
	}
	defer eng2.Close()
	if err := eng2.Setup(context.Background()); err != nil {
		t.Fatalf("Setup after reopen: %v", err)
	}

	sess2, err := eng2.Service().Open(context.Background(), convID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	msgs := sess2.Messages()
	if got, want := len(msgs), 2; got != want {
		t.Fatalf("len(msgs) = %d, want %d", got, want)
	}
	if got, want := msgs[0].Content, "keep this private"; got != want {
		t.Fatalf("decrypted user content = %q, want %q", got, want)
	}
	if !msgs[0].IsEncrypted {
		t.Fatalf("user message not marked encrypted")
	}
}

func TestEngineStateDirLockIsExclusive(t *testing.T) {
	t.Parallel()

	srv := newLocalBackend(t, "ok")
	cfg := testConfig(srv.URL, false)
	stateDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))

	eng, err := New(Options{Config: cfg, StateDir: stateDir, Logger: logger, UserID: "u_1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	_, err = New(Options{Config: cfg, StateDir: stateDir, Logger: logger, UserID: "u_1"})
	if !errors.Is(err, ErrStateDirLocked) {
		t.Fatalf("second New err = %v, want ErrStateDirLocked", err)
	}

	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	eng3, err := New(Options{Config: cfg, StateDir: stateDir, Logger: logger, UserID: "u_1"})
	if err != nil {
		t.Fatalf("New after release: %v", err)
	}
	_ = eng3.Close()
}

func TestEngineProviderAPIKeyLifecycle(t *testing.T) {
	t.Parallel()

	srv := newLocalBackend(t, "ok")
	eng := newTestEngine(t, testConfig(srv.URL, false))

	if err := eng.SetProviderAPIKey("ollama", "sk-test"); err != nil {
		t.Fatalf("SetProviderAPIKey: %v", err)
	}
	if _, err := os.Stat(filepath.Join(eng.StateDir(), "secrets.json")); err != nil {
		t.Fatalf("secrets file: %v", err)
	}
	if err := eng.ClearProviderAPIKey("ollama"); err != nil {
		t.Fatalf("ClearProviderAPIKey: %v", err)
	}
}

func TestEngineRejectsMissingUserID(t *testing.T) {
	t.Parallel()

	srv := newLocalBackend(t, "ok")
	_, err := New(Options{
		Config:   testConfig(srv.URL, false),
		StateDir: t.TempDir(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})),
	})
	if err == nil {
		t.Fatalf("New with empty user id succeeded, want error")
	}
}
