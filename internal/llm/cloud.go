package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const (
	cloudDefaultMaxOutputTokens = 4096

	// emptyRetryPrompt augments the final turn when the first attempt yields
	// an empty stream; the cloud backend is retried exactly once.
	emptyRetryPrompt = "Please answer the message above in plain text."
)

// CloudProvider streams from the hosted multimodal backend. The system
// instruction travels on the SDK's distinct system channel, never as a
// regular message, and engine roles are mapped to the backend's own labels
// in buildCloudMessages.
type CloudProvider struct {
	client anthropic.Client
	log    *slog.Logger
}

type CloudOptions struct {
	Logger *slog.Logger
	// BaseURL overrides the API endpoint (tests, gateways).
	BaseURL string
}

func NewCloudProvider(apiKey string, opts CloudOptions) (*CloudProvider, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	clientOpts := []aoption.RequestOption{aoption.WithAPIKey(apiKey)}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		clientOpts = append(clientOpts, aoption.WithBaseURL(base))
	}
	return &CloudProvider{
		client: anthropic.NewClient(clientOpts...),
		log:    logger,
	}, nil
}

func (p *CloudProvider) Stream(ctx context.Context, req Request, onToken func(Token)) (Result, error) {
	if p == nil {
		return Result{}, errors.New("nil provider")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(req.Model) == "" {
		return Result{}, ErrMissingModel
	}

	res, err := p.streamOnce(ctx, req, onToken)
	if err != nil || res.Canceled() {
		return res, err
	}
	if strings.TrimSpace(res.Text) != "" {
		return res, nil
	}

	// Empty stream: retry once with an augmented final user turn.
	p.log.Warn("cloud backend returned empty stream, retrying once", "model", req.Model)
	retry := req
	retry.Messages = append(append([]Message(nil), req.Messages...), Message{Role: RoleUser, Text: emptyRetryPrompt})
	return p.streamOnce(ctx, retry, onToken)
}

func (p *CloudProvider) streamOnce(ctx context.Context, req Request, onToken func(Token)) (Result, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: cloudDefaultMaxOutputTokens,
		Messages:  buildCloudMessages(req.Messages),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = int64(req.MaxOutputTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	var textBuf strings.Builder

	for stream.Next() {
		if canceled(ctx) {
			return Result{Text: textBuf.String(), FinishReason: FinishCanceled}, nil
		}
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			p.log.Warn("skipping malformed cloud stream event", "error", err)
			continue
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				textBuf.WriteString(delta.Text)
				emitToken(onToken, delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		if canceled(ctx) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{Text: textBuf.String(), FinishReason: FinishCanceled}, nil
		}
		return Result{}, err
	}
	if canceled(ctx) {
		return Result{Text: textBuf.String(), FinishReason: FinishCanceled}, nil
	}

	return Result{
		Text:         textBuf.String(),
		FinishReason: mapCloudStopReason(msg.StopReason),
	}, nil
}

func mapCloudStopReason(reason anthropic.StopReason) string {
	if reason == anthropic.StopReasonMaxTokens {
		return FinishLength
	}
	return FinishStop
}

// buildCloudMessages maps engine roles onto the backend's own role labels.
// System text never appears here (it rides the system channel); an engine
// system message that slips through is folded into a user turn.
func buildCloudMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		blocks := buildCloudBlocks(m)
		if len(blocks) == 0 {
			continue
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func buildCloudBlocks(m Message) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Media)+1)
	if txt := strings.TrimSpace(m.Text); txt != "" {
		blocks = append(blocks, anthropic.NewTextBlock(txt))
	}
	for _, media := range m.Media {
		mt := strings.ToLower(strings.TrimSpace(media.MimeType))
		b64 := base64.StdEncoding.EncodeToString(media.Data)
		switch {
		case strings.HasPrefix(mt, "image/"):
			blocks = append(blocks, anthropic.NewImageBlockBase64(mt, b64))
		case mt == "application/pdf":
			blocks = append(blocks, anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: b64}))
		default:
			// Backend has no native block for this mime; describe it so the
			// turn is not silently lossy.
			blocks = append(blocks, anthropic.NewTextBlock("[attachment: "+mt+"]"))
		}
	}
	for _, ref := range m.ExternalRefs {
		ref = strings.TrimSpace(ref)
		if ref != "" {
			blocks = append(blocks, anthropic.NewTextBlock(ref))
		}
	}
	return blocks
}
