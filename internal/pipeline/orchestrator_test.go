package pipeline_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/fonts"
	"github.com/Lllllllleong/publishflow/internal/ingest"
	"github.com/Lllllllleong/publishflow/internal/models"
	"github.com/Lllllllleong/publishflow/internal/pipeline"
)

func twoPageMarkdown() string {
	var b strings.Builder
	b.WriteString("# Chapter One\n\n")
	for i := 0; i < 40; i++ {
		b.WriteString("A paragraph long enough to fill a good share of an A4 line at twelve points.\n\n")
	}
	b.WriteString("## Chapter Two\n\nClosing text.\n")
	return b.String()
}

func TestPreviewOfTwoPageMarkdown(t *testing.T) {
	t.Parallel()

	r := &instantRenderer{}
	h := newHarness(t, r, pipeline.Config{})
	id := h.o.NewSession()
	h.upload(t, id, "report.md", twoPageMarkdown(), scenarioLayout())

	call, err := h.o.RequestPreview(context.Background(), id)
	require.NoError(t, err)
	art, err := call.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, models.RenderPreview, art.Kind)
	assert.GreaterOrEqual(t, art.PageCount, 1)

	req := r.lastRequest()
	assert.Equal(t, 150, req.DPI)
	assert.Equal(t, 300, req.Config.Config().DPI)
	wire := req.WireConfig()
	assert.Equal(t, 150, wire.DPI)
	assert.Equal(t, "Times New Roman", wire.FontFamily)
	assert.Equal(t, models.ColorRGB, wire.ColorMode)

	snap, err := h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateConfiguring, snap.State)
	require.NotNil(t, snap.Preview)
	assert.Empty(t, snap.InFlight)
}

func TestLaterPreviewWinsWhenEarlierArrivesLast(t *testing.T) {
	t.Parallel()

	r := newGatedRenderer()
	h := newHarness(t, r, pipeline.Config{})
	id := h.o.NewSession()
	h.upload(t, id, "a.md", "# A\n\nbody\n", models.DefaultLayoutConfig())
	ctx := context.Background()

	c1, err := h.o.RequestPreview(ctx, id)
	require.NoError(t, err)
	r1 := r.next(t)
	c2, err := h.o.RequestPreview(ctx, id)
	require.NoError(t, err)
	r2 := r.next(t)
	assert.Greater(t, c2.Seq, c1.Seq)

	snap, err := h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatePreviewing, snap.State)
	assert.Equal(t, c2.Seq, snap.InFlight[pipeline.ModePreview])

	r2.reply <- renderReply{art: models.PDFArtifact{Locator: "r2", PageCount: 1}}
	a2, err := c2.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "r2", a2.Locator)

	r1.reply <- renderReply{art: models.PDFArtifact{Locator: "r1", PageCount: 1}}
	_, err = c1.Wait(waitCtx(t))
	assert.ErrorIs(t, err, apperr.ErrStaleResponse)

	snap, err = h.o.Snapshot(id)
	require.NoError(t, err)
	require.NotNil(t, snap.Preview)
	assert.Equal(t, "r2", snap.Preview.Locator)
	assert.Equal(t, pipeline.StateConfiguring, snap.State)
}

func TestEarlierPreviewArrivingFirstIsStillDiscarded(t *testing.T) {
	t.Parallel()

	r := newGatedRenderer()
	h := newHarness(t, r, pipeline.Config{})
	id := h.o.NewSession()
	h.upload(t, id, "a.md", "# A\n", models.DefaultLayoutConfig())
	ctx := context.Background()

	c1, err := h.o.RequestPreview(ctx, id)
	require.NoError(t, err)
	r1 := r.next(t)
	c2, err := h.o.RequestPreview(ctx, id)
	require.NoError(t, err)
	r2 := r.next(t)

	r1.reply <- renderReply{art: models.PDFArtifact{Locator: "r1"}}
	_, err = c1.Wait(waitCtx(t))
	assert.ErrorIs(t, err, apperr.ErrStaleResponse)

	snap, err := h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Nil(t, snap.Preview)
	assert.Equal(t, pipeline.StatePreviewing, snap.State)

	r2.reply <- renderReply{art: models.PDFArtifact{Locator: "r2"}}
	_, err = c2.Wait(waitCtx(t))
	require.NoError(t, err)

	snap, err = h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "r2", snap.Preview.Locator)
}

func TestOversizedMarginsFailBeforeAnyNetworkCall(t *testing.T) {
	t.Parallel()

	r := newGatedRenderer()
	h := newHarness(t, r, pipeline.Config{})
	id := h.o.NewSession()

	cfg := models.DefaultLayoutConfig()
	cfg.MarginTop, cfg.MarginBottom = 150, 150
	h.upload(t, id, "a.md", "# A\n", cfg)

	_, err := h.o.RequestPreview(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrMarginExceedsPage)

	err = h.o.SchedulePreview(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrMarginExceedsPage)

	_, err = h.o.RequestFinal(context.Background(), id, "")
	assert.ErrorIs(t, err, apperr.ErrMarginExceedsPage)

	r.assertIdle(t)
	assert.Equal(t, int32(0), h.fontSrc.calls.Load())

	snap, err := h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateConfiguring, snap.State)
	assert.Empty(t, snap.InFlight)
}

func TestMissingFontWithCJKContentIsSubstituted(t *testing.T) {
	t.Parallel()

	r := &instantRenderer{}
	h := newHarness(t, r, pipeline.Config{})
	id := h.o.NewSession()

	cfg := models.DefaultLayoutConfig()
	cfg.FontFamily = "Garamond"
	h.upload(t, id, "cn.md", "# 第一章\n\n这是中文内容。\n", cfg)

	call, err := h.o.RequestPreview(context.Background(), id)
	require.NoError(t, err)
	_, err = call.Wait(waitCtx(t))
	require.NoError(t, err)

	req := r.lastRequest()
	assert.True(t, req.Font.SupportsChinese)
	assert.Equal(t, "SimSun", req.WireConfig().FontFamily)

	snap, err := h.o.Snapshot(id)
	require.NoError(t, err)
	require.Len(t, snap.FontNotices, 1)
	assert.Equal(t, "Garamond", snap.FontNotices[0].Requested)
	assert.Equal(t, "SimSun", snap.FontNotices[0].Resolved)
	assert.Equal(t, "Garamond", snap.Layout.FontFamily, "layout must not be changed by rendering")
}

func TestProofreadIsDiscardedAfterContentEdit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &instantRenderer{}, pipeline.Config{})
	h.assistant.gate = make(chan struct{})
	h.assistant.spans = []models.HighlightSpan{{Offset: 0, Length: 3, Category: "spelling", Suggestion: "The"}}
	id := h.o.NewSession()
	h.upload(t, id, "a.md", "Teh first snapshot", models.DefaultLayoutConfig())

	call, err := h.o.Proofread(context.Background(), id, pipeline.CheckSpelling, true)
	require.NoError(t, err)

	require.NoError(t, h.o.UpdateContent(id, "A second snapshot"))
	close(h.assistant.gate)

	_, err = call.Wait(waitCtx(t))
	assert.ErrorIs(t, err, apperr.ErrStaleResponse)

	snap, err := h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Nil(t, snap.Proofread)
	assert.Equal(t, "A second snapshot", snap.Document.Content)
}

func TestProofreadSuggestionsApplyToCurrentContent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &instantRenderer{}, pipeline.Config{})
	h.assistant.spans = []models.HighlightSpan{
		{Offset: 7, Length: 5, Category: "spelling", Suggestion: "world"},
		{Offset: 0, Length: 3, Category: "spelling", Suggestion: "The"},
		{Offset: 1, Length: 4, Category: "overlap"},
		{Offset: 90, Length: 2, Category: "out of range"},
	}
	id := h.o.NewSession()
	h.upload(t, id, "a.md", "Teh 你好 wrold", models.DefaultLayoutConfig())

	call, err := h.o.Proofread(context.Background(), id, "", true)
	require.NoError(t, err)
	res, err := call.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Len(t, res.Spans, 2)
	assert.Equal(t, 0, res.Spans[0].Offset)
	assert.Equal(t, 7, res.Spans[1].Offset)

	text, err := h.o.ApplyProofreadSuggestions(id)
	require.NoError(t, err)
	assert.Equal(t, "The 你好 world", text)

	_, err = h.o.ApplyProofreadSuggestions(id)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestUploadThenConvertRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &instantRenderer{}, pipeline.Config{})
	id := h.o.NewSession()
	doc := h.upload(t, id, "notes.txt", "para one\r\n\r\n\r\npara two\r\n", models.DefaultLayoutConfig())

	call, err := h.o.Convert(context.Background(), id, doc.FileID, string(doc.FileType))
	require.NoError(t, err)
	text, err := call.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, doc.Content, text)

	snap, err := h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.ContentRevision)
}

func TestConvertRejectsFilesOutsideTheSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &instantRenderer{}, pipeline.Config{})
	a := h.o.NewSession()
	b := h.o.NewSession()
	docA := h.upload(t, a, "a.md", "# A\n", models.DefaultLayoutConfig())
	h.upload(t, b, "b.md", "# B\n", models.DefaultLayoutConfig())

	_, err := h.o.Convert(context.Background(), b, docA.FileID, "markdown")
	assert.ErrorIs(t, err, apperr.ErrIngestNotFound)
}

func TestUploadFailureFromEmptyMovesToFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &instantRenderer{}, pipeline.Config{})
	id := h.o.NewSession()

	_, err := h.o.Upload(context.Background(), id, models.RawFile{Filename: "slides.pptx", Data: []byte("x")})
	require.ErrorIs(t, err, apperr.ErrIngestUnsupported)

	snap, err := h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateFailed, snap.State)
	assert.Equal(t, apperr.StageIngest, snap.FailedStage)

	_, err = h.o.RequestPreview(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	call, err := h.o.Upload(context.Background(), id, models.RawFile{Filename: "ok.md", Data: []byte("# ok")})
	require.NoError(t, err)
	_, err = call.Wait(waitCtx(t))
	require.NoError(t, err)

	snap, err = h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateIngested, snap.State)
	assert.Empty(t, snap.FailedStage)
}

func TestOperationsOutsideTheirStatesAreRejected(t *testing.T) {
	t.Parallel()

	r := newGatedRenderer()
	h := newHarness(t, r, pipeline.Config{})
	id := h.o.NewSession()

	_, err := h.o.RequestPreview(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.ErrorIs(t, h.o.SetLayout(id, models.DefaultLayoutConfig()), apperr.ErrInvalidState)
	_, err = h.o.Proofread(context.Background(), id, "", false)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	call, err := h.o.Upload(context.Background(), id, models.RawFile{Filename: "a.md", Data: []byte("# A")})
	require.NoError(t, err)
	_, err = call.Wait(waitCtx(t))
	require.NoError(t, err)

	// Ingested: preview needs a layout first.
	_, err = h.o.RequestPreview(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	require.NoError(t, h.o.SetLayout(id, models.DefaultLayoutConfig()))
	c, err := h.o.RequestPreview(context.Background(), id)
	require.NoError(t, err)
	rc := r.next(t)

	_, err = h.o.Upload(context.Background(), id, models.RawFile{Filename: "b.md", Data: []byte("# B")})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	rc.reply <- renderReply{art: models.PDFArtifact{Locator: "p"}}
	_, err = c.Wait(waitCtx(t))
	require.NoError(t, err)

	_, err = h.o.Snapshot("missing")
	assert.ErrorIs(t, err, apperr.ErrSessionNotFound)
}

func TestFinalRenderCompletesAndEditReturnsToConfiguring(t *testing.T) {
	t.Parallel()

	r := &instantRenderer{}
	h := newHarness(t, r, pipeline.Config{})
	id := h.o.NewSession()
	h.upload(t, id, "a.md", "# A\n", scenarioLayout())

	call, err := h.o.RequestFinal(context.Background(), id, "")
	require.NoError(t, err)
	art, err := call.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, models.RenderFinal, art.Kind)
	assert.Regexp(t, regexp.MustCompile(`^document_[0-9a-f]{8}\.pdf$`), art.Filename)
	assert.Equal(t, 300, r.lastRequest().DPI)

	snap, err := h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateCompleted, snap.State)

	_, err = h.o.UpdateLayout(id, models.LayoutPatch{FontSize: ptr(14.0)})
	require.NoError(t, err)
	snap, err = h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateConfiguring, snap.State)
	assert.Equal(t, 14.0, snap.Layout.FontSize)
}

func TestEditDuringFinalDiscardsItsResult(t *testing.T) {
	t.Parallel()

	r := newGatedRenderer()
	h := newHarness(t, r, pipeline.Config{})
	id := h.o.NewSession()
	h.upload(t, id, "a.md", "# A\n", models.DefaultLayoutConfig())

	call, err := h.o.RequestFinal(context.Background(), id, "out.pdf")
	require.NoError(t, err)
	rc := r.next(t)

	snap, err := h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateFinalizing, snap.State)

	require.NoError(t, h.o.UpdateContent(id, "# A, revised\n"))
	snap, err = h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateConfiguring, snap.State)

	rc.reply <- renderReply{art: models.PDFArtifact{Locator: "old", Filename: "out.pdf"}}
	_, err = call.Wait(waitCtx(t))
	assert.ErrorIs(t, err, apperr.ErrStaleResponse)

	snap, err = h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Nil(t, snap.Final)
	assert.Equal(t, 1, snap.Superseded)
}

func TestRenderFailuresKeepSessionEditable(t *testing.T) {
	t.Parallel()

	r := &instantRenderer{err: apperr.Newf(apperr.StageRender, apperr.CodeContentTooLarge, "too big")}
	h := newHarness(t, r, pipeline.Config{})
	id := h.o.NewSession()
	h.upload(t, id, "a.md", "# A\n", models.DefaultLayoutConfig())

	call, err := h.o.RequestFinal(context.Background(), id, "x.pdf")
	require.NoError(t, err)
	_, err = call.Wait(waitCtx(t))
	assert.ErrorIs(t, err, apperr.ErrRenderContentTooLarge)
	assert.Equal(t, apperr.StageRender, apperr.StageOf(err))

	snap, err := h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateConfiguring, snap.State)
	assert.NotEmpty(t, snap.LastError)
	assert.Equal(t, int32(1), r.calls.Load(), "failures are not retried")
}

func TestFontMissingAfterResolutionIsAnInvariantViolation(t *testing.T) {
	t.Parallel()

	r := &instantRenderer{err: apperr.Newf(apperr.StageRender, apperr.CodeFontMissing, "no glyphs for SimSun")}
	h := newHarness(t, r, pipeline.Config{})
	id := h.o.NewSession()
	h.upload(t, id, "a.md", "# 中文\n", models.DefaultLayoutConfig())

	call, err := h.o.RequestPreview(context.Background(), id)
	require.NoError(t, err)
	_, err = call.Wait(waitCtx(t))
	assert.ErrorIs(t, err, apperr.ErrInvariantViolation)
	assert.ErrorIs(t, err, apperr.ErrRenderFontMissing)
}

func TestRenderTimeoutReturnsToConfiguring(t *testing.T) {
	t.Parallel()

	r := newGatedRenderer()
	h := newHarness(t, r, pipeline.Config{RenderTimeout: 30 * time.Millisecond})
	id := h.o.NewSession()
	h.upload(t, id, "a.md", "# A\n", models.DefaultLayoutConfig())

	call, err := h.o.RequestPreview(context.Background(), id)
	require.NoError(t, err)
	_ = r.next(t) // never answered

	_, err = call.Wait(waitCtx(t))
	assert.ErrorIs(t, err, apperr.ErrRenderTimeout)

	snap, err := h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateConfiguring, snap.State)
}

func TestCallerCancellationDoesNotCancelTheRender(t *testing.T) {
	t.Parallel()

	r := newGatedRenderer()
	h := newHarness(t, r, pipeline.Config{})
	id := h.o.NewSession()
	h.upload(t, id, "a.md", "# A\n", models.DefaultLayoutConfig())

	ctx, cancel := context.WithCancel(context.Background())
	call, err := h.o.RequestPreview(ctx, id)
	require.NoError(t, err)
	rc := r.next(t)
	cancel()

	waitShort, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	_, err = call.Wait(waitShort)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	rc.reply <- renderReply{art: models.PDFArtifact{Locator: "late-but-latest"}}
	art, err := call.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "late-but-latest", art.Locator)
}

func TestSchedulePreviewCoalescesBursts(t *testing.T) {
	t.Parallel()

	r := &instantRenderer{}
	h := newHarness(t, r, pipeline.Config{PreviewDebounce: 40 * time.Millisecond})
	id := h.o.NewSession()
	h.upload(t, id, "a.md", "# A\n", models.DefaultLayoutConfig())

	for i := 0; i < 5; i++ {
		_, err := h.o.UpdateLayout(id, models.LayoutPatch{FontSize: ptr(10.0 + float64(i))})
		require.NoError(t, err)
		require.NoError(t, h.o.SchedulePreview(context.Background(), id))
	}

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, waitTimeout, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, 14.0, r.lastRequest().Config.Config().FontSize)

	require.Eventually(t, func() bool {
		snap, err := h.o.Snapshot(id)
		return err == nil && snap.Preview != nil && !snap.PreviewScheduled
	}, waitTimeout, 5*time.Millisecond)
}

func TestLayoutSuggestionIsStagedUntilAccepted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &instantRenderer{}, pipeline.Config{})
	h.assistant.suggestion = models.LayoutSuggestion{
		Patch:     models.LayoutPatch{LineHeight: ptr(1.8)},
		Rationale: "dense text",
	}
	id := h.o.NewSession()
	h.upload(t, id, "a.md", "# A\n", models.DefaultLayoutConfig())

	_, err := h.o.AcceptLayoutSuggestion(id)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	call, err := h.o.SuggestLayout(context.Background(), id)
	require.NoError(t, err)
	_, err = call.Wait(waitCtx(t))
	require.NoError(t, err)

	snap, err := h.o.Snapshot(id)
	require.NoError(t, err)
	require.NotNil(t, snap.Suggestion)
	assert.Equal(t, 1.5, snap.Layout.LineHeight)

	cfg, err := h.o.AcceptLayoutSuggestion(id)
	require.NoError(t, err)
	assert.Equal(t, 1.8, cfg.LineHeight)

	snap, err = h.o.Snapshot(id)
	require.NoError(t, err)
	assert.Nil(t, snap.Suggestion)
}

func TestAIFailuresAreNonFatal(t *testing.T) {
	t.Parallel()

	r := &instantRenderer{}
	h := newHarness(t, r, pipeline.Config{})
	h.assistant.err = apperr.Newf(apperr.StageAI, apperr.CodeRejected, "blocked")
	id := h.o.NewSession()
	h.upload(t, id, "a.md", "# A\n", models.DefaultLayoutConfig())

	call, err := h.o.Proofread(context.Background(), id, pipeline.CheckGrammar, false)
	require.NoError(t, err)
	_, err = call.Wait(waitCtx(t))
	assert.ErrorIs(t, err, apperr.ErrAIRejected)

	preview, err := h.o.RequestPreview(context.Background(), id)
	require.NoError(t, err)
	_, err = preview.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestChatForwardsOnlyRecentHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &instantRenderer{}, pipeline.Config{})
	id := h.o.NewSession()

	history := make([]models.ChatTurn, 25)
	for i := range history {
		history[i] = models.ChatTurn{Role: "user", Content: "turn"}
	}
	call, err := h.o.Chat(context.Background(), id, "hello", history)
	require.NoError(t, err)
	reply, err := call.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "reply: hello", reply)

	h.assistant.mu.Lock()
	assert.Equal(t, pipeline.MaxChatHistory, h.assistant.historyLen)
	h.assistant.mu.Unlock()
}

func TestExamAndImageInputsAreCheckedLocally(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &instantRenderer{}, pipeline.Config{})
	id := h.o.NewSession()
	h.upload(t, id, "a.md", "# A\n", models.DefaultLayoutConfig())

	_, err := h.o.GenerateExam(context.Background(), id, "multiple-choice", 21)
	assert.ErrorIs(t, err, apperr.ErrInvalidField)

	call, err := h.o.GenerateExam(context.Background(), id, "multiple-choice", 3)
	require.NoError(t, err)
	qs, err := call.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Len(t, qs, 3)

	_, err = h.o.AnalyzeImage(context.Background(), id, models.ImageInput{ContentType: "application/pdf", Data: []byte("x")}, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidField)
}

func TestEndSessionAndSweepIdle(t *testing.T) {
	t.Parallel()

	r := newGatedRenderer()
	h := newHarness(t, r, pipeline.Config{})
	busy := h.o.NewSession()
	idle := h.o.NewSession()
	h.upload(t, busy, "a.md", "# A\n", models.DefaultLayoutConfig())

	call, err := h.o.RequestPreview(context.Background(), busy)
	require.NoError(t, err)
	rc := r.next(t)

	time.Sleep(5 * time.Millisecond)
	ended := h.o.SweepIdle(time.Millisecond)
	assert.Equal(t, []string{idle}, ended)

	require.NoError(t, h.o.EndSession(busy))
	rc.reply <- renderReply{art: models.PDFArtifact{Locator: "x"}}
	_, err = call.Wait(waitCtx(t))
	assert.ErrorIs(t, err, apperr.ErrStaleResponse)

	assert.ErrorIs(t, h.o.EndSession(busy), apperr.ErrSessionNotFound)
}

func ptr[T any](v T) *T { return &v }

type flakyPruner struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]bool
}

func (p *flakyPruner) DeletePDF(ctx context.Context, filename string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[filename] {
		return apperr.Newf(apperr.StageRender, apperr.CodeUnavailable, "busy")
	}
	p.deleted = append(p.deleted, filename)
	return nil
}

func TestPruneSupersededRequeuesFailures(t *testing.T) {
	t.Parallel()

	r := &instantRenderer{}
	pruner := &flakyPruner{fail: map[string]bool{"two.pdf": true}}
	o := pipeline.New(pipeline.Deps{
		Ingester:  ingest.NewLocal(nil),
		Renderer:  r,
		Assistant: &fakeAssistant{},
		Fonts:     fonts.NewResolver(&countingFonts{}),
		Pruner:    pruner,
	}, pipeline.Config{}, nil)
	id := o.NewSession()
	up, err := o.Upload(context.Background(), id, models.RawFile{Filename: "a.md", Data: []byte("# A")})
	require.NoError(t, err)
	_, err = up.Wait(waitCtx(t))
	require.NoError(t, err)
	require.NoError(t, o.SetLayout(id, models.DefaultLayoutConfig()))

	for _, name := range []string{"one.pdf", "two.pdf", "three.pdf"} {
		call, err := o.RequestFinal(context.Background(), id, name)
		require.NoError(t, err)
		_, err = call.Wait(waitCtx(t))
		require.NoError(t, err)
	}

	n, err := o.PruneSuperseded(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"one.pdf"}, pruner.deleted)

	snap, err := o.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Superseded)
	require.NotNil(t, snap.Final)
	assert.Equal(t, "three.pdf", snap.Final.Filename)
}
