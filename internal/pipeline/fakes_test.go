package pipeline_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/publishflow/internal/fonts"
	"github.com/Lllllllleong/publishflow/internal/ingest"
	"github.com/Lllllllleong/publishflow/internal/models"
	"github.com/Lllllllleong/publishflow/internal/pipeline"
)

const waitTimeout = 2 * time.Second

type renderReply struct {
	art models.PDFArtifact
	err error
}

type renderCall struct {
	req   pipeline.RenderRequest
	reply chan renderReply
}

// gatedRenderer hands every request to the test, which answers it explicitly.
type gatedRenderer struct {
	calls chan renderCall
}

func newGatedRenderer() *gatedRenderer {
	return &gatedRenderer{calls: make(chan renderCall, 16)}
}

func (g *gatedRenderer) Render(ctx context.Context, req pipeline.RenderRequest) (models.PDFArtifact, error) {
	rc := renderCall{req: req, reply: make(chan renderReply, 1)}
	g.calls <- rc
	select {
	case r := <-rc.reply:
		return r.art, r.err
	case <-ctx.Done():
		return models.PDFArtifact{}, ctx.Err()
	}
}

func (g *gatedRenderer) next(t *testing.T) renderCall {
	t.Helper()
	select {
	case rc := <-g.calls:
		return rc
	case <-time.After(waitTimeout):
		t.Fatal("renderer was not called")
		return renderCall{}
	}
}

func (g *gatedRenderer) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case rc := <-g.calls:
		t.Fatalf("unexpected render call: %+v", rc.req.Mode)
	default:
	}
}

// instantRenderer answers immediately and counts calls.
type instantRenderer struct {
	calls atomic.Int32
	mu    sync.Mutex
	last  pipeline.RenderRequest
	err   error
}

func (r *instantRenderer) Render(ctx context.Context, req pipeline.RenderRequest) (models.PDFArtifact, error) {
	n := r.calls.Add(1)
	r.mu.Lock()
	r.last = req
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return models.PDFArtifact{}, err
	}
	return models.PDFArtifact{
		Locator:   "/api/pdf/download/" + req.Filename,
		Filename:  req.Filename,
		FileSize:  1024 * int64(n),
		PageCount: 2,
	}, nil
}

func (r *instantRenderer) lastRequest() pipeline.RenderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

type countingFonts struct {
	calls atomic.Int32
}

func (c *countingFonts) ListFonts(ctx context.Context) ([]models.FontDescriptor, error) {
	c.calls.Add(1)
	return fonts.BuiltinCatalog(), nil
}

// fakeAssistant answers AI calls; proofreading blocks on gate when it is set.
type fakeAssistant struct {
	gate       chan struct{}
	spans      []models.HighlightSpan
	suggestion models.LayoutSuggestion
	err        error

	mu         sync.Mutex
	historyLen int
}

func (f *fakeAssistant) Chat(ctx context.Context, message string, history []models.ChatTurn) (string, error) {
	f.mu.Lock()
	f.historyLen = len(history)
	f.mu.Unlock()
	return "reply: " + message, f.err
}

func (f *fakeAssistant) AnalyzeImage(ctx context.Context, image models.ImageInput, question string) (string, error) {
	return "an image", f.err
}

func (f *fakeAssistant) SuggestLayout(ctx context.Context, content string, current models.LayoutConfig) (models.LayoutSuggestion, error) {
	return f.suggestion, f.err
}

func (f *fakeAssistant) GenerateExam(ctx context.Context, content, questionType string, count int) ([]string, error) {
	out := make([]string, count)
	for i := range out {
		out[i] = questionType
	}
	return out, f.err
}

func (f *fakeAssistant) Proofread(ctx context.Context, content, checkType string, withHighlights bool) (models.ProofreadResult, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return models.ProofreadResult{}, ctx.Err()
		}
	}
	return models.ProofreadResult{Report: "checked", Spans: f.spans}, f.err
}

type harness struct {
	o         *pipeline.Orchestrator
	fontSrc   *countingFonts
	assistant *fakeAssistant
	ingester  *ingest.Local
}

func newHarness(t *testing.T, renderer pipeline.Renderer, cfg pipeline.Config) *harness {
	t.Helper()
	h := &harness{
		fontSrc:   &countingFonts{},
		assistant: &fakeAssistant{},
		ingester:  ingest.NewLocal(nil),
	}
	h.o = pipeline.New(pipeline.Deps{
		Ingester:  h.ingester,
		Renderer:  renderer,
		Assistant: h.assistant,
		Fonts:     fonts.NewResolver(h.fontSrc),
	}, cfg, nil)
	return h
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

// upload ingests a document and moves the session to Configuring with cfg.
func (h *harness) upload(t *testing.T, id, name, body string, cfg models.LayoutConfig) models.Document {
	t.Helper()
	call, err := h.o.Upload(context.Background(), id, models.RawFile{Filename: name, Data: []byte(body)})
	require.NoError(t, err)
	doc, err := call.Wait(waitCtx(t))
	require.NoError(t, err)
	require.NoError(t, h.o.SetLayout(id, cfg))
	return *doc
}

func scenarioLayout() models.LayoutConfig {
	cfg := models.DefaultLayoutConfig()
	cfg.PageFormat = models.PageA4
	cfg.MarginTop, cfg.MarginBottom = 20, 20
	cfg.MarginLeft, cfg.MarginRight = 15, 15
	cfg.DPI = 300
	cfg.ColorMode = models.ColorRGB
	cfg.FontSize = 12
	return cfg
}
