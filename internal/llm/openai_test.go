package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestCompat(t *testing.T, handler http.HandlerFunc) *OpenAICompatProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewOpenAICompatProvider("sk-test", OpenAICompatOptions{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewOpenAICompatProvider: %v", err)
	}
	return p
}

func writeCompatChunk(w io.Writer, f http.Flusher, content string, finishReason string) {
	chunk := map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion.chunk",
		"created": 0,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{"content": content},
			"finish_reason": nil,
		}},
	}
	if finishReason != "" {
		chunk["choices"].([]map[string]any)[0]["finish_reason"] = finishReason
	}
	b, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", b)
	f.Flush()
}

func TestOpenAICompatStreamsText(t *testing.T) {
	t.Parallel()

	p := newTestCompat(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		writeCompatChunk(w, f, "Hel", "")
		writeCompatChunk(w, f, "lo", "stop")
		fmt.Fprint(w, "data: [DONE]\n\n")
		f.Flush()
	})

	var tokens []string
	res, err := p.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{{Role: RoleUser, Text: "hi"}},
	}, func(tok Token) { tokens = append(tokens, tok.Text) })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got, want := res.Text, "Hello"; got != want {
		t.Fatalf("res.Text = %q, want %q", got, want)
	}
	if got, want := res.FinishReason, FinishStop; got != want {
		t.Fatalf("res.FinishReason = %q, want %q", got, want)
	}
	if got, want := strings.Join(tokens, ""), res.Text; got != want {
		t.Fatalf("concatenated tokens = %q, want %q", got, want)
	}
}

func TestOpenAICompatLengthFinish(t *testing.T) {
	t.Parallel()

	p := newTestCompat(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		writeCompatChunk(w, f, "partial", "length")
		fmt.Fprint(w, "data: [DONE]\n\n")
		f.Flush()
	})

	res, err := p.Stream(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Text: "x"}}}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got, want := res.FinishReason, FinishLength; got != want {
		t.Fatalf("res.FinishReason = %q, want %q", got, want)
	}
}

func TestOpenAICompatRequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := NewOpenAICompatProvider("sk-test", OpenAICompatOptions{}); err == nil {
		t.Fatal("NewOpenAICompatProvider accepted empty base URL")
	}
}

func TestBuildCompatMessages(t *testing.T) {
	t.Parallel()

	out := buildCompatMessages(Request{
		System: "be brief",
		Messages: []Message{
			{Role: RoleUser, Text: "look", Media: []Media{{MimeType: "image/png", Data: []byte{1}}}},
			{Role: RoleAssistant, Text: "ok"},
		},
	})
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3 (system + 2 turns)", len(out))
	}

	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{"be brief", "[attachment: image/png]", `"assistant"`} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("marshaled messages missing %s: %s", want, raw)
		}
	}
}

func TestCompatTextFlattensAttachments(t *testing.T) {
	t.Parallel()

	got := compatText(Message{
		Text:         "see attached",
		Media:        []Media{{MimeType: "audio/mpeg", Data: []byte{1}}},
		ExternalRefs: []string{"https://youtu.be/xyz", "  "},
	})
	want := "see attached\n\n[attachment: audio/mpeg]\n\nhttps://youtu.be/xyz"
	if got != want {
		t.Fatalf("compatText = %q, want %q", got, want)
	}
}
