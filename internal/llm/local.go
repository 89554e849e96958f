package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// LocalProvider speaks the local chat runtime's incremental delta protocol:
// newline-delimited JSON fragments over one persistent connection, with a
// terminal `done` sentinel that ends the stream independent of connection
// close.
//
// Empty responses from the local runtime are returned as-is; only the cloud
// provider retries on empty output.
type LocalProvider struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

type LocalOptions struct {
	Logger *slog.Logger
	// Client overrides the HTTP client (tests, timeouts).
	Client *http.Client
}

func NewLocalProvider(baseURL string, opts LocalOptions) (*LocalProvider, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("missing base url")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	client := opts.Client
	if client == nil {
		// No overall timeout: streams are long-lived, cancellation comes
		// from the request context.
		client = &http.Client{Timeout: 0}
	}
	return &LocalProvider{baseURL: baseURL, client: client, log: logger}, nil
}

type localChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type localChatRequest struct {
	Model    string             `json:"model"`
	Messages []localChatMessage `json:"messages"`
	Stream   bool               `json:"stream"`
	Options  map[string]any     `json:"options,omitempty"`
}

// localChatChunk is one NDJSON fragment from the runtime.
type localChatChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
	Error      string `json:"error"`
}

func (p *LocalProvider) Stream(ctx context.Context, req Request, onToken func(Token)) (Result, error) {
	if p == nil {
		return Result{}, errors.New("nil provider")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(req.Model) == "" {
		return Result{}, ErrMissingModel
	}

	body := localChatRequest{
		Model:    strings.TrimSpace(req.Model),
		Messages: buildLocalMessages(req),
		Stream:   true,
	}
	if req.MaxOutputTokens > 0 {
		body.Options = map[string]any{"num_predict": req.MaxOutputTokens}
	}
	if req.Temperature != nil {
		if body.Options == nil {
			body.Options = map[string]any{}
		}
		body.Options["temperature"] = *req.Temperature
	}

	raw, err := json.Marshal(&body)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(raw))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if canceled(ctx) {
			return Result{FinishReason: FinishCanceled}, nil
		}
		return Result{}, fmt.Errorf("local runtime request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Result{}, fmt.Errorf("local runtime status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var textBuf strings.Builder
	finish := FinishStop

	reader := bufio.NewReader(resp.Body)
	for {
		if canceled(ctx) {
			return Result{Text: textBuf.String(), FinishReason: FinishCanceled}, nil
		}

		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			chunk, ok := parseLocalChunk(line)
			if !ok {
				p.log.Warn("skipping malformed local runtime chunk", "bytes", len(line))
			} else {
				if strings.TrimSpace(chunk.Error) != "" {
					return Result{}, fmt.Errorf("local runtime error: %s", strings.TrimSpace(chunk.Error))
				}
				if chunk.Message.Content != "" {
					textBuf.WriteString(chunk.Message.Content)
					emitToken(onToken, chunk.Message.Content)
				}
				if chunk.Done {
					// Terminal sentinel: the stream is over even if the
					// connection stays open.
					if strings.TrimSpace(chunk.DoneReason) == "length" {
						finish = FinishLength
					}
					return Result{Text: textBuf.String(), FinishReason: finish}, nil
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				// Connection closed without the sentinel. Treat what we have
				// as the full answer rather than guessing at truncation.
				return Result{Text: textBuf.String(), FinishReason: finish}, nil
			}
			if canceled(ctx) {
				return Result{Text: textBuf.String(), FinishReason: FinishCanceled}, nil
			}
			return Result{}, fmt.Errorf("local runtime read: %w", err)
		}
	}
}

// parseLocalChunk tolerates fragments split across network reads having been
// reassembled by the buffered reader; anything that still fails to parse is
// reported malformed.
func parseLocalChunk(line []byte) (localChatChunk, bool) {
	var chunk localChatChunk
	if err := json.Unmarshal(bytes.TrimSpace(line), &chunk); err != nil {
		return localChatChunk{}, false
	}
	return chunk, true
}

func buildLocalMessages(req Request) []localChatMessage {
	out := make([]localChatMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		out = append(out, localChatMessage{Role: string(RoleSystem), Content: system})
	}
	for _, m := range req.Messages {
		lm := localChatMessage{Role: localRole(m.Role), Content: m.Text}
		for _, media := range m.Media {
			if strings.HasPrefix(strings.ToLower(media.MimeType), "image/") {
				lm.Images = append(lm.Images, base64.StdEncoding.EncodeToString(media.Data))
			}
		}
		if len(m.ExternalRefs) > 0 {
			lm.Content = appendRefs(lm.Content, m.ExternalRefs)
		}
		out = append(out, lm)
	}
	return out
}

func localRole(r Role) string {
	switch r {
	case RoleAssistant:
		return "assistant"
	case RoleSystem:
		return "system"
	default:
		return "user"
	}
}

func appendRefs(text string, refs []string) string {
	var b strings.Builder
	b.WriteString(text)
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(ref)
	}
	return b.String()
}
