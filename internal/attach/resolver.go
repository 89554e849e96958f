// Package attach normalizes raw attachments into typed content units ready
// for inclusion in a model request.
package attach

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// InlineVideoMaxBytes is the threshold above which videos are passed as an
// external reference instead of inlined request bytes.
const InlineVideoMaxBytes = int64(20 << 20) // 20 MiB

type Kind string

const (
	KindDocument Kind = "document"
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
)

// Input is one raw attachment as handed over by the presentation layer:
// either local bytes (Data) or an external locator (URI).
type Input struct {
	Name     string
	MimeType string
	Data     []byte
	URI      string
}

// ContentUnit is the tagged union produced by Resolve.
type ContentUnit interface {
	isContentUnit()
}

// TextUnit carries extracted document text, bounded with a file marker so
// multiple attachments stay distinguishable in the assembled prompt.
type TextUnit struct {
	Text string
}

// InlineMediaUnit carries raw bytes embedded directly in the model request.
type InlineMediaUnit struct {
	MimeType string
	Data     []byte
}

// ExternalRefUnit is a locator passed by reference (oversized videos).
type ExternalRefUnit struct {
	URI string
}

// LinkUnit is a recognized external-platform video URL.
type LinkUnit struct {
	URI string
}

func (TextUnit) isContentUnit()        {}
func (InlineMediaUnit) isContentUnit() {}
func (ExternalRefUnit) isContentUnit() {}
func (LinkUnit) isContentUnit()        {}

// Extraction is the result of the external text-extraction collaborator.
type Extraction struct {
	Text     string
	Metadata map[string]string
}

// TextExtractor turns document bytes into text. Implementations should not
// fail for unsupported formats; when they do, the resolver degrades to a
// placeholder unit instead of aborting the send.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, name string) (Extraction, error)
}

type ResolverOptions struct {
	Logger    *slog.Logger
	Extractor TextExtractor

	// InlineVideoMax overrides the inline-video byte threshold (tests).
	InlineVideoMax int64
}

type Resolver struct {
	log            *slog.Logger
	extractor      TextExtractor
	inlineVideoMax int64
}

func NewResolver(opts ResolverOptions) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	maxInline := opts.InlineVideoMax
	if maxInline <= 0 {
		maxInline = InlineVideoMaxBytes
	}
	return &Resolver{
		log:            logger,
		extractor:      opts.Extractor,
		inlineVideoMax: maxInline,
	}
}

// Resolve never fails: attachment problems degrade to placeholder text units
// so the enclosing send always proceeds.
func (r *Resolver) Resolve(ctx context.Context, in Input) ContentUnit {
	if r == nil {
		return TextUnit{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	uri := strings.TrimSpace(in.URI)
	if uri != "" && len(in.Data) == 0 {
		if IsVideoLink(uri) {
			return LinkUnit{URI: uri}
		}
		return ExternalRefUnit{URI: uri}
	}

	mime := sniffMime(in.MimeType, in.Data)
	switch ClassifyMime(mime) {
	case KindImage, KindAudio:
		return InlineMediaUnit{MimeType: mime, Data: in.Data}
	case KindVideo:
		if int64(len(in.Data)) <= r.inlineVideoMax {
			return InlineMediaUnit{MimeType: mime, Data: in.Data}
		}
		ref := uri
		if ref == "" {
			ref = strings.TrimSpace(in.Name)
		}
		return ExternalRefUnit{URI: ref}
	default:
		return r.extractText(ctx, in)
	}
}

// ResolveAll resolves each input independently; one bad attachment never
// poisons the rest.
func (r *Resolver) ResolveAll(ctx context.Context, ins []Input) []ContentUnit {
	if r == nil || len(ins) == 0 {
		return nil
	}
	out := make([]ContentUnit, 0, len(ins))
	for _, in := range ins {
		out = append(out, r.Resolve(ctx, in))
	}
	return out
}

func (r *Resolver) extractText(ctx context.Context, in Input) ContentUnit {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "attachment"
	}
	if r.extractor == nil {
		r.log.Warn("no text extractor configured", "name", name)
		return TextUnit{Text: extractionErrorText(name)}
	}

	ex, err := r.extractor.Extract(ctx, in.Data, name)
	if err != nil {
		r.log.Warn("attachment extraction failed", "name", name, "error", err)
		return TextUnit{Text: extractionErrorText(name)}
	}
	return TextUnit{Text: fmt.Sprintf("[File: %s]\n%s", name, ex.Text)}
}

func extractionErrorText(name string) string {
	return fmt.Sprintf("[Error reading file: %s]", name)
}

// ClassifyMime buckets a mime type into an attachment kind.
func ClassifyMime(mime string) Kind {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	default:
		return KindDocument
	}
}

func sniffMime(declared string, data []byte) string {
	mt := strings.TrimSpace(declared)
	if mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if len(data) > 0 {
		head := data
		if len(head) > 512 {
			head = head[:512]
		}
		return http.DetectContentType(head)
	}
	if mt == "" {
		mt = "application/octet-stream"
	}
	return mt
}

// JoinText concatenates text units in order; used when assembling prompt
// context from several document attachments.
func JoinText(units []ContentUnit) string {
	var b strings.Builder
	for _, u := range units {
		tu, ok := u.(TextUnit)
		if !ok || strings.TrimSpace(tu.Text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(tu.Text)
	}
	return b.String()
}
