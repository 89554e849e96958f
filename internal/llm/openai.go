package llm

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

// OpenAICompatProvider streams from any OpenAI-compatible chat-completions
// endpoint (self-hosted gateways, vLLM, router services). Attachments are
// flattened to text placeholders since compat endpoints vary widely in
// multimodal support.
type OpenAICompatProvider struct {
	client openai.Client
	log    *slog.Logger
}

type OpenAICompatOptions struct {
	Logger *slog.Logger
	// BaseURL is required; there is no canonical default endpoint for
	// compat deployments.
	BaseURL string
}

var errMissingBaseURL = errors.New("openai-compatible provider requires a base URL")

func NewOpenAICompatProvider(apiKey string, opts OpenAICompatOptions) (*OpenAICompatProvider, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errMissingBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	clientOpts := []ooption.RequestOption{ooption.WithBaseURL(base)}
	if key := strings.TrimSpace(apiKey); key != "" {
		clientOpts = append(clientOpts, ooption.WithAPIKey(key))
	}
	return &OpenAICompatProvider{
		client: openai.NewClient(clientOpts...),
		log:    logger,
	}, nil
}

func (p *OpenAICompatProvider) Stream(ctx context.Context, req Request, onToken func(Token)) (Result, error) {
	if p == nil {
		return Result{}, errors.New("nil provider")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(req.Model) == "" {
		return Result{}, ErrMissingModel
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(strings.TrimSpace(req.Model)),
		Messages: buildCompatMessages(req),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	var textBuf strings.Builder
	finish := FinishStop

	for stream.Next() {
		if canceled(ctx) {
			return Result{Text: textBuf.String(), FinishReason: FinishCanceled}, nil
		}
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			textBuf.WriteString(choice.Delta.Content)
			emitToken(onToken, choice.Delta.Content)
		}
		if choice.FinishReason == "length" {
			finish = FinishLength
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

	return Result{Text: textBuf.String(), FinishReason: finish}, nil
}

func buildCompatMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range req.Messages {
		text := compatText(m)
		if text == "" {
			continue
		}
		switch m.Role {
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(text))
		case RoleSystem:
			out = append(out, openai.SystemMessage(text))
		default:
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}

func compatText(m Message) string {
	parts := make([]string, 0, len(m.Media)+len(m.ExternalRefs)+1)
	if txt := strings.TrimSpace(m.Text); txt != "" {
		parts = append(parts, txt)
	}
	for _, media := range m.Media {
		parts = append(parts, "[attachment: "+strings.TrimSpace(media.MimeType)+"]")
	}
	for _, ref := range m.ExternalRefs {
		if ref = strings.TrimSpace(ref); ref != "" {
			parts = append(parts, ref)
		}
	}
	return strings.Join(parts, "\n\n")
}
