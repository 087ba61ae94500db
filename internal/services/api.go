package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/backend"
	"github.com/Lllllllleong/publishflow/internal/gcp"
	"github.com/Lllllllleong/publishflow/internal/models"
	"github.com/Lllllllleong/publishflow/internal/pipeline"
)

// multipartOverhead is allowed on top of the upload cap for form framing.
const multipartOverhead = 1 << 20

type fontCatalog interface {
	SystemFonts(ctx context.Context) ([]models.FontDescriptor, error)
	ChineseFonts(ctx context.Context) ([]models.FontDescriptor, error)
	Recommended(ctx context.Context) (map[string][]string, error)
	Info(ctx context.Context, name string) (models.FontDescriptor, error)
	Reload(ctx context.Context) error
}

type healthChecker interface {
	Health(ctx context.Context) (backend.Health, error)
}

// PublishingAPI exposes publishing sessions over HTTP.
type PublishingAPI struct {
	orchestrator *pipeline.Orchestrator
	fonts        fontCatalog
	health       healthChecker
	logger       *zap.Logger
	maxIdle      time.Duration
	router       chi.Router
}

// NewPublishingAPI creates the API wired to the rendering service.
func NewPublishingAPI(ctx context.Context, logger *zap.Logger) (*PublishingAPI, error) {
	rt, err := newRuntime(ctx, logger)
	if err != nil {
		return nil, err
	}
	a := newPublishingAPI(rt.orchestrator, rt.fonts, rt.client, logger)
	a.maxIdle = gcp.GetEnvDuration("SESSION_IDLE_TIMEOUT", 0)
	logger.Info("Publishing API initialized.", zap.String("renderer", rt.client.BaseURL()))
	return a, nil
}

func newPublishingAPI(orch *pipeline.Orchestrator, fonts fontCatalog, health healthChecker, logger *zap.Logger) *PublishingAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &PublishingAPI{orchestrator: orch, fonts: fonts, health: health, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	a.Routes(r)
	a.router = r
	return a
}

// ServeHTTP implements http.Handler.
func (a *PublishingAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// Routes registers every endpoint on r.
func (a *PublishingAPI) Routes(r chi.Router) {
	r.Get("/health", a.getHealth)

	r.Route("/fonts", func(r chi.Router) {
		r.Get("/", a.listFonts)
		r.Get("/chinese", a.listChineseFonts)
		r.Get("/recommended", a.recommendedFonts)
		r.Post("/reload", a.reloadFonts)
		r.Get("/{name}", a.getFont)
	})

	r.Post("/sessions", a.createSession)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", a.getSession)
		r.Delete("/", a.endSession)
		r.Post("/upload", a.upload)
		r.Post("/convert", a.convert)
		r.Put("/content", a.updateContent)
		r.Put("/layout", a.setLayout)
		r.Patch("/layout", a.patchLayout)
		r.Post("/preview", a.preview)
		r.Post("/preview/schedule", a.schedulePreview)
		r.Post("/final", a.final)
		r.Post("/prune", a.prune)
		r.Post("/proofread", a.proofread)
		r.Post("/proofread/apply", a.applyProofread)
		r.Post("/suggestion", a.suggestLayout)
		r.Post("/suggestion/accept", a.acceptSuggestion)
		r.Delete("/suggestion", a.discardSuggestion)
		r.Post("/chat", a.chat)
		r.Post("/exam", a.exam)
		r.Post("/image", a.analyzeImage)
	})
}

// SweepIdle ends idle sessions when an idle timeout is configured.
func (a *PublishingAPI) SweepIdle() {
	if a.maxIdle <= 0 {
		return
	}
	if ended := a.orchestrator.SweepIdle(a.maxIdle); len(ended) > 0 {
		a.logger.Info("Ended idle sessions", zap.Int("count", len(ended)))
	}
}

func (a *PublishingAPI) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("requestId", middleware.GetReqID(r.Context())),
		)
	})
}

func sessionID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "sessionID"))
}

func (a *PublishingAPI) getHealth(w http.ResponseWriter, r *http.Request) {
	if a.health == nil {
		writeJSON(w, http.StatusOK, backend.Health{Status: "healthy", Service: "publishing-api"})
		return
	}
	h, err := a.health.Health(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !h.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (a *PublishingAPI) listFonts(w http.ResponseWriter, r *http.Request) {
	list, err := a.fonts.SystemFonts(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fonts": list, "total_count": len(list)})
}

func (a *PublishingAPI) listChineseFonts(w http.ResponseWriter, r *http.Request) {
	list, err := a.fonts.ChineseFonts(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fonts": list})
}

func (a *PublishingAPI) recommendedFonts(w http.ResponseWriter, r *http.Request) {
	groups, err := a.fonts.Recommended(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": groups})
}

func (a *PublishingAPI) reloadFonts(w http.ResponseWriter, r *http.Request) {
	if err := a.fonts.Reload(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *PublishingAPI) getFont(w http.ResponseWriter, r *http.Request) {
	f, err := a.fonts.Info(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *PublishingAPI) createSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, models.CreateSessionResponse{SessionID: a.orchestrator.NewSession()})
}

func (a *PublishingAPI) getSession(w http.ResponseWriter, r *http.Request) {
	snap, err := a.orchestrator.Snapshot(sessionID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *PublishingAPI) endSession(w http.ResponseWriter, r *http.Request) {
	if err := a.orchestrator.EndSession(sessionID(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *PublishingAPI) upload(w http.ResponseWriter, r *http.Request) {
	limit := a.orchestrator.Config().MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	file, err := readFormFile(r, "file")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	call, err := a.orchestrator.Upload(r.Context(), sessionID(r), models.RawFile{Filename: file.name, Data: file.data})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	awaitCall(a, w, r, "upload", call)
}

func (a *PublishingAPI) convert(w http.ResponseWriter, r *http.Request) {
	var req models.ConvertRequest
	if !a.decode(w, r, &req) {
		return
	}
	call, err := a.orchestrator.Convert(r.Context(), sessionID(r), req.FileID, req.TargetFormat)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	awaitCallAs(a, w, r, "convert", call, func(text string) any { return models.ConvertResponse{Content: text} })
}

func (a *PublishingAPI) updateContent(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateContentRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.orchestrator.UpdateContent(sessionID(r), req.Content); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *PublishingAPI) setLayout(w http.ResponseWriter, r *http.Request) {
	var cfg models.LayoutConfig
	if !a.decode(w, r, &cfg) {
		return
	}
	if err := a.orchestrator.SetLayout(sessionID(r), cfg); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *PublishingAPI) patchLayout(w http.ResponseWriter, r *http.Request) {
	var patch models.LayoutPatch
	if !a.decode(w, r, &patch) {
		return
	}
	cfg, err := a.orchestrator.UpdateLayout(sessionID(r), patch)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *PublishingAPI) preview(w http.ResponseWriter, r *http.Request) {
	call, err := a.orchestrator.RequestPreview(r.Context(), sessionID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	awaitCall(a, w, r, "preview", call)
}

func (a *PublishingAPI) schedulePreview(w http.ResponseWriter, r *http.Request) {
	if err := a.orchestrator.SchedulePreview(r.Context(), sessionID(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *PublishingAPI) final(w http.ResponseWriter, r *http.Request) {
	var req models.RenderRequest
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}
	call, err := a.orchestrator.RequestFinal(r.Context(), sessionID(r), req.Filename)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	awaitCall(a, w, r, "final", call)
}

func (a *PublishingAPI) prune(w http.ResponseWriter, r *http.Request) {
	n, err := a.orchestrator.PruneSuperseded(r.Context(), sessionID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pruned": n})
}

func (a *PublishingAPI) proofread(w http.ResponseWriter, r *http.Request) {
	var req models.ProofreadRequest
	if !a.decode(w, r, &req) {
		return
	}
	call, err := a.orchestrator.Proofread(r.Context(), sessionID(r), req.CheckType, req.WithHighlights)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	awaitCall(a, w, r, "proofread", call)
}

func (a *PublishingAPI) applyProofread(w http.ResponseWriter, r *http.Request) {
	text, err := a.orchestrator.ApplyProofreadSuggestions(sessionID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ConvertResponse{Content: text})
}

func (a *PublishingAPI) suggestLayout(w http.ResponseWriter, r *http.Request) {
	call, err := a.orchestrator.SuggestLayout(r.Context(), sessionID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	awaitCall(a, w, r, "suggestion", call)
}

func (a *PublishingAPI) acceptSuggestion(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.orchestrator.AcceptLayoutSuggestion(sessionID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *PublishingAPI) discardSuggestion(w http.ResponseWriter, r *http.Request) {
	if err := a.orchestrator.DiscardLayoutSuggestion(sessionID(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *PublishingAPI) chat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if !a.decode(w, r, &req) {
		return
	}
	call, err := a.orchestrator.Chat(r.Context(), sessionID(r), req.Message, req.History)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	awaitCallAs(a, w, r, "chat", call, func(reply string) any { return models.ChatResponse{Reply: reply} })
}

func (a *PublishingAPI) exam(w http.ResponseWriter, r *http.Request) {
	var req models.ExamRequest
	if !a.decode(w, r, &req) {
		return
	}
	call, err := a.orchestrator.GenerateExam(r.Context(), sessionID(r), req.QuestionType, req.Count)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	awaitCallAs(a, w, r, "exam", call, func(qs []string) any { return models.ExamResponse{Questions: qs} })
}

func (a *PublishingAPI) analyzeImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, pipeline.MaxImageBytes+multipartOverhead)
	file, err := readFormFile(r, "file")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	img := models.ImageInput{Filename: file.name, ContentType: file.contentType, Data: file.data}
	call, err := a.orchestrator.AnalyzeImage(r.Context(), sessionID(r), img, r.FormValue("question"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	awaitCallAs(a, w, r, "image", call, func(text string) any { return map[string]string{"analysis": text} })
}

type formFile struct {
	name        string
	contentType string
	data        []byte
}

func readFormFile(r *http.Request, field string) (formFile, error) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return formFile{}, apperr.Newf(apperr.StageIngest, apperr.CodeTooLarge, "request body exceeds %d bytes", tooBig.Limit)
		}
		return formFile{}, apperr.Field(field, "expected a multipart form upload")
	}
	f, header, err := r.FormFile(field)
	if err != nil {
		return formFile{}, apperr.Field(field, "missing file part")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return formFile{}, fmt.Errorf("failed to read uploaded file: %w", err)
	}
	return formFile{name: header.Filename, contentType: header.Header.Get("Content-Type"), data: data}, nil
}

// awaitCall writes the call's result once it resolves. With ?wait=false it
// answers 202 immediately and the caller polls the session snapshot.
func awaitCall[T any](a *PublishingAPI, w http.ResponseWriter, r *http.Request, op string, call *pipeline.Call[T]) {
	awaitCallAs(a, w, r, op, call, func(v T) any { return v })
}

func awaitCallAs[T any](a *PublishingAPI, w http.ResponseWriter, r *http.Request, op string, call *pipeline.Call[T], body func(T) any) {
	if wait, err := strconv.ParseBool(r.URL.Query().Get("wait")); err == nil && !wait {
		writeJSON(w, http.StatusAccepted, models.CallAccepted{Operation: op, Seq: call.Seq})
		return
	}
	v, err := call.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			return // client went away; the call still completes into the session
		}
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body(v))
}

func (a *PublishingAPI) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		a.writeError(w, r, apperr.Field("body", "invalid JSON: "+err.Error()))
		return false
	}
	return true
}

// httpStatus maps an error onto the response status.
func httpStatus(e *apperr.Error) int {
	switch e.Code {
	case apperr.CodeInvalidField, apperr.CodeMarginExceedsPage, apperr.CodeCorrupt,
		apperr.CodeRejected, apperr.CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case apperr.CodeUnsupported:
		return http.StatusUnsupportedMediaType
	case apperr.CodeTooLarge, apperr.CodeContentTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.CodeNotFound, apperr.CodeSessionNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidState, apperr.CodeStaleResponse:
		return http.StatusConflict
	case apperr.CodeTimeout:
		return http.StatusGatewayTimeout
	case apperr.CodeUnavailable, apperr.CodeInvalidOutput, apperr.CodeUnexpectedResponse:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (a *PublishingAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := models.ErrorResponse{Success: false, ErrorCode: "INTERNAL", Message: err.Error()}
	status := http.StatusInternalServerError
	if e, ok := apperr.As(err); ok {
		resp.Stage = string(e.Stage)
		resp.ErrorCode = string(e.Code)
		resp.Field = e.Field
		status = httpStatus(e)
	}
	logCtx := a.logger.With(zap.String("path", r.URL.Path), zap.String("requestId", middleware.GetReqID(r.Context())))
	switch {
	case status >= http.StatusInternalServerError:
		logCtx.Error("Request failed", zap.Int("status", status), zap.Error(err))
	case !errors.Is(err, apperr.ErrValidation):
		logCtx.Warn("Request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
