package convo

import (
	"context"
	"errors"
	"testing"

	"github.com/veilchat/veil-engine/internal/config"
)

func newTestService(t *testing.T, gw *fakeGateway) *Service {
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
		},
	}
	svc, err := NewService(ServiceOptions{
		Config:     cfg,
		Gateway:    gw,
		Transports: fakeSource{transport: &fakeTransport{tokens: []string{"hello"}}},
		UserID:     "u_1",
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestServiceCreateAndOpen(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	svc := newTestService(t, gw)
	ctx := context.Background()

	sess, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	convID := sess.Conversation().ID
	if convID == "" {
		t.Fatal("conversation id empty")
	}

	again, err := svc.Open(ctx, convID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if again != sess {
		t.Fatal("Open returned a different session for a live conversation")
	}

	if _, err := svc.Open(ctx, "c_none"); !errors.Is(err, ErrConversationUnknown) {
		t.Fatalf("Open unknown err=%v, want ErrConversationUnknown", err)
	}
}

func TestServiceOpenHydratesTimeline(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	svc := newTestService(t, gw)
	ctx := context.Background()

	sess, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sess.Send(ctx, "persist me"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := sess.Conversation().ID

	// Drop the live session, then reopen from storage.
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	svc2 := newTestService(t, gw)
	reopened, err := svc2.Open(ctx, convID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	msgs := reopened.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len=%d, want 2", len(msgs))
	}
	if msgs[0].Content != "persist me" {
		t.Fatalf("msgs[0].Content=%q, want 'persist me'", msgs[0].Content)
	}
}

func TestServiceDeleteClosesSession(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	svc := newTestService(t, gw)
	ctx := context.Background()

	sess, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	convID := sess.Conversation().ID

	if err := svc.Delete(ctx, convID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := sess.Send(ctx, "after delete"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after delete err=%v, want ErrClosed", err)
	}
	if _, err := svc.Open(ctx, convID); !errors.Is(err, ErrConversationUnknown) {
		t.Fatalf("Open after delete err=%v, want ErrConversationUnknown", err)
	}
}

func TestServiceListsConversations(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	svc := newTestService(t, gw)
	ctx := context.Background()

	if _, err := svc.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	out, err := svc.Conversations(ctx)
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len=%d, want 2", len(out))
	}
}

func TestServiceCloseRejectsFurtherWork(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	svc := newTestService(t, gw)
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := svc.Create(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Create after Close err=%v, want ErrClosed", err)
	}
}
