package pipeline

import (
	"context"

	"github.com/Lllllllleong/publishflow/internal/fonts"
	"github.com/Lllllllleong/publishflow/internal/layout"
	"github.com/Lllllllleong/publishflow/internal/models"
)

// Ingester converts uploads into canonical markdown.
type Ingester interface {
	Ingest(ctx context.Context, file models.RawFile) (models.Document, error)
	Convert(ctx context.Context, fileID, targetFormat string) (string, error)
}

// Renderer produces PDFs from canonical content.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (models.PDFArtifact, error)
}

// Assistant is the optional AI collaborator. Every failure is non-fatal to the session.
type Assistant interface {
	Chat(ctx context.Context, message string, history []models.ChatTurn) (string, error)
	AnalyzeImage(ctx context.Context, image models.ImageInput, question string) (string, error)
	SuggestLayout(ctx context.Context, content string, current models.LayoutConfig) (models.LayoutSuggestion, error)
	GenerateExam(ctx context.Context, content, questionType string, count int) ([]string, error)
	Proofread(ctx context.Context, content, checkType string, withHighlights bool) (models.ProofreadResult, error)
}

// FontResolver picks the font a document is rendered with.
type FontResolver interface {
	ResolveFor(ctx context.Context, name string, needsCJK bool) (fonts.Resolution, error)
}

// ArtifactPruner removes rendered files that a newer render superseded.
type ArtifactPruner interface {
	DeletePDF(ctx context.Context, filename string) error
}

// RenderRequest is everything the renderer needs for one render.
type RenderRequest struct {
	Content string
	Config  layout.Validated
	// Font is the resolved body font.
	Font     models.FontDescriptor
	Mode     models.RenderMode
	Filename string
	// DPI is the effective resolution. Previews may render below Config's dpi.
	DPI int
}

// WireConfig returns the layout sent to the renderer: the validated config with the
// resolved font and effective dpi applied. show_answers passes through untouched.
func (r RenderRequest) WireConfig() models.LayoutConfig {
	cfg := r.Config.Config()
	if r.Font.Name != "" {
		cfg.FontFamily = r.Font.Name
	}
	if r.DPI > 0 {
		cfg.DPI = r.DPI
	}
	return cfg
}
