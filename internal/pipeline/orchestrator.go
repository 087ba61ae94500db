// Package pipeline sequences ingestion, layout validation, font resolution, AI
// assistance and rendering for independent publishing sessions.
//
// Every stage call runs on its own goroutine and is returned to the caller as a
// *Call handle. Each session keeps a sequence number per request mode; a response
// that is not the latest for its mode when it arrives is discarded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/content"
	"github.com/Lllllllleong/publishflow/internal/fonts"
	"github.com/Lllllllleong/publishflow/internal/ingest"
	"github.com/Lllllllleong/publishflow/internal/layout"
	"github.com/Lllllllleong/publishflow/internal/models"
)

// Deps are the stage collaborators. Pruner is optional.
type Deps struct {
	Ingester  Ingester
	Renderer  Renderer
	Assistant Assistant
	Fonts     FontResolver
	Pruner    ArtifactPruner
}

// Orchestrator owns all sessions. It is safe for concurrent use.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// New returns an orchestrator. Zero Config fields take their defaults.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// NewSession opens an empty session and returns its ID.
func (o *Orchestrator) NewSession() string {
	id := uuid.NewString()
	o.mu.Lock()
	o.sessions[id] = newSession(id, o.now())
	o.mu.Unlock()
	o.logger.Info("Session opened", zap.String("sessionId", id))
	return id
}

// lock returns the session with its mutex held.
func (o *Orchestrator) lock(id string) (*session, error) {
	o.mu.RLock()
	s, ok := o.sessions[id]
	o.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf(apperr.StagePipeline, apperr.CodeSessionNotFound, "session %s not found", id)
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil, apperr.Newf(apperr.StagePipeline, apperr.CodeSessionNotFound, "session %s has ended", id)
	}
	s.lastActive = o.now()
	return s, nil
}

// Snapshot returns a copy of the session's current state.
func (o *Orchestrator) Snapshot(id string) (Snapshot, error) {
	o.mu.RLock()
	s, ok := o.sessions[id]
	o.mu.RUnlock()
	if !ok {
		return Snapshot{}, apperr.Newf(apperr.StagePipeline, apperr.CodeSessionNotFound, "session %s not found", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// EndSession destroys a session. Responses still in flight are discarded on arrival.
func (o *Orchestrator) EndSession(id string) error {
	o.mu.Lock()
	s, ok := o.sessions[id]
	delete(o.sessions, id)
	o.mu.Unlock()
	if !ok {
		return apperr.Newf(apperr.StagePipeline, apperr.CodeSessionNotFound, "session %s not found", id)
	}
	s.mu.Lock()
	s.ended = true
	s.stopDebounce()
	s.mu.Unlock()
	o.logger.Info("Session ended", zap.String("sessionId", id))
	return nil
}

// SweepIdle ends sessions with nothing in flight that have been idle longer than
// maxIdle and returns their IDs. Scheduling the sweep is up to the caller.
func (o *Orchestrator) SweepIdle(maxIdle time.Duration) []string {
	cutoff := o.now().Add(-maxIdle)
	o.mu.RLock()
	var idle []string
	for id, s := range o.sessions {
		s.mu.Lock()
		busy := s.debounce != nil
		for _, b := range s.inFlight {
			busy = busy || b
		}
		if !busy && s.lastActive.Before(cutoff) {
			idle = append(idle, id)
		}
		s.mu.Unlock()
	}
	o.mu.RUnlock()

	for _, id := range idle {
		_ = o.EndSession(id)
	}
	return idle
}

func staleError(m Mode, seq uint64) error {
	return apperr.Newf(apperr.StagePipeline, apperr.CodeStaleResponse, "%s response #%d was superseded", m, seq)
}

// stageError attributes an untyped collaborator error to stage.
func stageError(stage apperr.Stage, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(stage, apperr.CodeTimeout, err)
	}
	return apperr.New(stage, apperr.CodeUnavailable, err)
}

// runAsync runs work on its own goroutine under timeout and resolves call with the
// result of complete. The caller's cancellation does not reach the stage call.
func runAsync[T any](parent context.Context, timeout time.Duration, call *Call[T],
	work func(ctx context.Context) (T, error), complete func(T, error) (T, error)) {
	base := context.WithoutCancel(parent)
	go func() {
		ctx, cancel := context.WithTimeout(base, timeout)
		defer cancel()
		v, err := work(ctx)
		call.finish(complete(v, err))
	}()
}

// Upload ingests file into the session. Local checks run first and fail
// synchronously without contacting the ingestion stage.
func (o *Orchestrator) Upload(ctx context.Context, id string, file models.RawFile) (*Call[*models.Document], error) {
	s, err := o.lock(id)
	if err != nil {
		return nil, err
	}
	logCtx := o.logger.With(zap.String("sessionId", id), zap.String("filename", file.Filename))

	if err := checkOp(s.state(), OpUpload); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, err := ingest.Detect(file, o.cfg.MaxUploadBytes); err != nil {
		o.ingestFailed(s, err)
		s.mu.Unlock()
		logCtx.Warn("Upload rejected", zap.Error(err))
		return nil, err
	}
	seq := s.issue(ModeUpload)
	s.mu.Unlock()

	logCtx = logCtx.With(zap.Uint64("seq", seq))
	logCtx.Info("Ingesting document")
	call := newCall[*models.Document](seq)
	runAsync(ctx, o.cfg.IngestTimeout, call,
		func(ctx context.Context) (*models.Document, error) {
			doc, err := o.deps.Ingester.Ingest(ctx, file)
			if err != nil {
				return nil, stageError(apperr.StageIngest, err)
			}
			return &doc, nil
		},
		func(doc *models.Document, err error) (*models.Document, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.ended || !s.isLatest(ModeUpload, seq) {
				logCtx.Info("Discarding stale upload response")
				return nil, staleError(ModeUpload, seq)
			}
			s.settle(ModeUpload)
			if err != nil {
				o.ingestFailed(s, err)
				logCtx.Error("Ingestion failed", zap.Error(err))
				return nil, err
			}

			d := *doc
			s.doc = &d
			s.contentRev++
			s.invalidate(ModeConvert, ModePreview, ModeFinal, ModeProofread, ModeSuggest)
			s.supersede(s.preview)
			s.supersede(s.final)
			s.preview, s.final, s.proofread, s.suggestion = nil, nil, nil, nil
			s.notices = nil
			s.lastErr = nil
			s.failedStage = ""
			s.apply(evIngested)
			logCtx.Info("Document ingested", zap.String("fileId", d.FileID), zap.String("fileType", string(d.FileType)))
			out := d
			return &out, nil
		})
	return call, nil
}

func (o *Orchestrator) ingestFailed(s *session, err error) {
	s.lastErr = err
	if to, ok := nextPhase(s.phase, evIngestFailed); ok {
		s.phase = to
		s.failedStage = apperr.StageIngest
	}
}

// Convert re-derives the document content in targetFormat. fileID must be the
// session's document; unknown IDs fail without calling the ingestion stage.
func (o *Orchestrator) Convert(ctx context.Context, id, fileID, targetFormat string) (*Call[string], error) {
	s, err := o.lock(id)
	if err != nil {
		return nil, err
	}
	if err := checkOp(s.state(), OpConvert); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.doc == nil || s.doc.FileID != fileID {
		s.mu.Unlock()
		return nil, apperr.Newf(apperr.StageIngest, apperr.CodeNotFound, "file %s is not part of session %s", fileID, id)
	}
	seq := s.issue(ModeConvert)
	rev := s.contentRev
	logCtx := o.logger.With(zap.String("sessionId", id), zap.String("fileId", fileID), zap.Uint64("seq", seq))
	call := newCall[string](seq)

	// The canonical content already is the document's own format. Services may
	// reflow it on conversion, so the stage is not asked.
	if typ, err := ingest.TypeForTarget(targetFormat); err == nil && typ == s.doc.FileType {
		s.settle(ModeConvert)
		text := s.doc.Content
		s.mu.Unlock()
		logCtx.Debug("Convert to own format served from session content")
		call.finish(text, nil)
		return call, nil
	}
	s.mu.Unlock()

	runAsync(ctx, o.cfg.IngestTimeout, call,
		func(ctx context.Context) (string, error) {
			text, err := o.deps.Ingester.Convert(ctx, fileID, targetFormat)
			return text, stageError(apperr.StageIngest, err)
		},
		func(text string, err error) (string, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.ended || !s.isLatest(ModeConvert, seq) || s.contentRev != rev {
				logCtx.Info("Discarding stale convert response")
				return "", staleError(ModeConvert, seq)
			}
			s.settle(ModeConvert)
			if err != nil {
				s.lastErr = err
				logCtx.Error("Conversion failed", zap.Error(err))
				return "", err
			}
			if text != s.doc.Content {
				s.doc.Content = text
				s.contentEdited()
			}
			return text, nil
		})
	return call, nil
}

// SetLayout replaces the session layout. Validation happens before each render.
func (o *Orchestrator) SetLayout(id string, cfg models.LayoutConfig) error {
	s, err := o.lock(id)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	if err := checkOp(s.state(), OpEdit); err != nil {
		return err
	}
	s.layout = cfg.Clone()
	s.layoutEdited()
	return nil
}

// UpdateLayout applies a partial edit and returns the resulting layout.
func (o *Orchestrator) UpdateLayout(id string, patch models.LayoutPatch) (models.LayoutConfig, error) {
	s, err := o.lock(id)
	if err != nil {
		return models.LayoutConfig{}, err
	}
	defer s.mu.Unlock()
	if err := checkOp(s.state(), OpEdit); err != nil {
		return models.LayoutConfig{}, err
	}
	if !patch.IsEmpty() {
		s.layout = patch.Apply(s.layout)
		s.layoutEdited()
	}
	return s.layout.Clone(), nil
}

// UpdateContent replaces the document content wholesale.
func (o *Orchestrator) UpdateContent(id, text string) error {
	s, err := o.lock(id)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	if err := checkOp(s.state(), OpEdit); err != nil {
		return err
	}
	if text == s.doc.Content {
		return nil
	}
	s.doc.Content = text
	s.contentEdited()
	return nil
}

// RequestPreview validates the layout and starts a preview render. A newer preview
// supersedes this one.
func (o *Orchestrator) RequestPreview(ctx context.Context, id string) (*Call[*models.PDFArtifact], error) {
	return o.startRender(ctx, id, ModePreview, "")
}

// RequestFinal validates the layout and starts a full-fidelity render.
func (o *Orchestrator) RequestFinal(ctx context.Context, id, filename string) (*Call[*models.PDFArtifact], error) {
	return o.startRender(ctx, id, ModeFinal, filename)
}

// DefaultFilename names a final render when the caller gives no name.
func DefaultFilename() string {
	return "document_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + ".pdf"
}

func (o *Orchestrator) startRender(ctx context.Context, id string, mode Mode, filename string) (*Call[*models.PDFArtifact], error) {
	s, err := o.lock(id)
	if err != nil {
		return nil, err
	}
	op := OpPreview
	if mode == ModeFinal {
		op = OpFinal
	}
	if err := checkOp(s.state(), op); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	v, err := layout.Revalidate(s.validated, s.layout)
	if err != nil {
		s.mu.Unlock()
		o.logger.Debug("Layout rejected", zap.String("sessionId", id), zap.Error(err))
		return nil, err
	}
	s.validated = v
	if mode == ModeFinal && filename == "" {
		filename = DefaultFilename()
	}
	text := s.doc.Content
	fontName := s.layout.FontFamily
	seq := s.issue(mode)
	s.mu.Unlock()

	dpi := v.Config().DPI
	renderMode := models.RenderFinal
	if mode == ModePreview {
		renderMode = models.RenderPreview
		if dpi > o.cfg.PreviewDPI {
			dpi = o.cfg.PreviewDPI
		}
	}

	logCtx := o.logger.With(zap.String("sessionId", id), zap.String("mode", string(mode)), zap.Uint64("seq", seq))
	logCtx.Info("Render requested", zap.Int("dpi", dpi))

	call := newCall[*models.PDFArtifact](seq)
	base := context.WithoutCancel(ctx)
	go func() {
		var notice *fonts.Substitution
		art, err := func() (*models.PDFArtifact, error) {
			fctx, cancel := context.WithTimeout(base, o.cfg.FontTimeout)
			defer cancel()
			res, err := o.deps.Fonts.ResolveFor(fctx, fontName, content.Inspect(text).HasCJK)
			if err != nil {
				return nil, stageError(apperr.StageFont, err)
			}
			notice = res.Substitution

			rctx, cancel := context.WithTimeout(base, o.cfg.RenderTimeout)
			defer cancel()
			a, err := o.deps.Renderer.Render(rctx, RenderRequest{
				Content:  text,
				Config:   v,
				Font:     res.Font,
				Mode:     renderMode,
				Filename: filename,
				DPI:      dpi,
			})
			if err != nil {
				return nil, stageError(apperr.StageRender, err)
			}
			return &a, nil
		}()
		call.finish(o.completeRender(s, mode, seq, art, notice, err, logCtx))
	}()
	return call, nil
}

func (o *Orchestrator) completeRender(s *session, mode Mode, seq uint64, art *models.PDFArtifact,
	notice *fonts.Substitution, err error, logCtx *zap.Logger) (*models.PDFArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended || !s.isLatest(mode, seq) {
		logCtx.Info("Discarding stale render response")
		if art != nil {
			s.supersede(art)
		}
		return nil, staleError(mode, seq)
	}
	s.settle(mode)

	if err != nil {
		if errors.Is(err, apperr.ErrRenderFontMissing) {
			err = &apperr.Error{Stage: apperr.StageRender, Code: apperr.CodeInvariantViolation, Err: err}
			logCtx.Error("Renderer reported a missing font after successful resolution", zap.Error(err))
		} else {
			logCtx.Error("Render failed", zap.String("stage", string(apperr.StageOf(err))), zap.Error(err))
		}
		s.lastErr = err
		s.apply(evRenderFailed)
		return nil, err
	}

	s.notices = nil
	if notice != nil {
		s.notices = []fonts.Substitution{*notice}
	}
	s.lastErr = nil
	if mode == ModePreview {
		art.Kind = models.RenderPreview
		s.supersede(s.preview)
		s.preview = art
	} else {
		art.Kind = models.RenderFinal
		s.supersede(s.final)
		s.final = art
		s.apply(evFinalDone)
	}
	logCtx.Info("Render completed", zap.Int("pageCount", art.PageCount), zap.Int64("fileSize", art.FileSize))
	out := *art
	return &out, nil
}

// SchedulePreview validates the layout now and requests a preview once no further
// SchedulePreview call has arrived for the debounce interval.
func (o *Orchestrator) SchedulePreview(ctx context.Context, id string) error {
	s, err := o.lock(id)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	if err := checkOp(s.state(), OpPreview); err != nil {
		return err
	}
	v, err := layout.Revalidate(s.validated, s.layout)
	if err != nil {
		return err
	}
	s.validated = v

	s.stopDebounce()
	base := context.WithoutCancel(ctx)
	var t *time.Timer
	t = time.AfterFunc(o.cfg.PreviewDebounce, func() {
		s.mu.Lock()
		if s.debounce != t {
			s.mu.Unlock()
			return
		}
		s.debounce = nil
		s.mu.Unlock()
		if _, err := o.RequestPreview(base, id); err != nil {
			o.logger.Warn("Scheduled preview not started", zap.String("sessionId", id), zap.Error(err))
		}
	})
	s.debounce = t
	return nil
}

// PruneSuperseded deletes superseded final renders from the rendering service.
// Files that could not be deleted stay queued for the next call.
func (o *Orchestrator) PruneSuperseded(ctx context.Context, id string) (int, error) {
	if o.deps.Pruner == nil {
		return 0, nil
	}
	s, err := o.lock(id)
	if err != nil {
		return 0, err
	}
	pending := s.superseded
	s.superseded = nil
	s.mu.Unlock()

	var (
		mu     sync.Mutex
		failed []models.PDFArtifact
		pruned int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, art := range pending {
		if art.Filename == "" {
			continue
		}
		art := art
		g.Go(func() error {
			err := o.deps.Pruner.DeletePDF(gctx, art.Filename)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil, errors.Is(err, apperr.ErrRenderNotFound):
				pruned++
			default:
				failed = append(failed, art)
				return fmt.Errorf("failed to delete %s: %w", art.Filename, err)
			}
			return nil
		})
	}
	err = g.Wait()

	if len(failed) > 0 {
		s.mu.Lock()
		s.superseded = append(s.superseded, failed...)
		s.mu.Unlock()
	}
	return pruned, err
}
