package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/fonts"
	"github.com/Lllllllleong/publishflow/internal/ingest"
	"github.com/Lllllllleong/publishflow/internal/models"
	"github.com/Lllllllleong/publishflow/internal/pipeline"
)

type stubRenderer struct {
	mu   sync.Mutex
	last pipeline.RenderRequest
	err  error
}

func (r *stubRenderer) Render(ctx context.Context, req pipeline.RenderRequest) (models.PDFArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = req
	if r.err != nil {
		return models.PDFArtifact{}, r.err
	}
	art := models.PDFArtifact{PageCount: 2, FileSize: 1024}
	if req.Mode == models.RenderFinal {
		art.Filename = req.Filename
		art.Locator = "/api/pdf/download/" + req.Filename
	} else {
		art.Data = []byte("%PDF-1.4 preview")
	}
	return art, nil
}

func (r *stubRenderer) lastRequest() pipeline.RenderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

type stubAssistant struct{}

func (stubAssistant) Chat(ctx context.Context, message string, history []models.ChatTurn) (string, error) {
	return fmt.Sprintf("echo(%d): %s", len(history), message), nil
}

func (stubAssistant) AnalyzeImage(ctx context.Context, img models.ImageInput, question string) (string, error) {
	return fmt.Sprintf("%s image, %d bytes", img.ContentType, len(img.Data)), nil
}

func (stubAssistant) SuggestLayout(ctx context.Context, content string, current models.LayoutConfig) (models.LayoutSuggestion, error) {
	lh := 1.8
	return models.LayoutSuggestion{Patch: models.LayoutPatch{LineHeight: &lh}, Rationale: "more air"}, nil
}

func (stubAssistant) GenerateExam(ctx context.Context, content, questionType string, count int) ([]string, error) {
	out := make([]string, count)
	for i := range out {
		out[i] = fmt.Sprintf("%s question %d", questionType, i+1)
	}
	return out, nil
}

func (stubAssistant) Proofread(ctx context.Context, content, checkType string, withHighlights bool) (models.ProofreadResult, error) {
	i := strings.Index(content, "Teh")
	if i < 0 {
		return models.ProofreadResult{Report: "clean"}, nil
	}
	return models.ProofreadResult{Report: "1 issue", Spans: []models.HighlightSpan{
		{Offset: len([]rune(content[:i])), Length: 3, Category: "spelling", Suggestion: "The"},
	}}, nil
}

func newTestOrchestrator(r pipeline.Renderer) (*pipeline.Orchestrator, *fonts.Resolver) {
	resolver := fonts.NewResolver(fonts.StaticSource(fonts.BuiltinCatalog()))
	orch := pipeline.New(pipeline.Deps{
		Ingester:  ingest.NewLocal(nil),
		Renderer:  r,
		Assistant: stubAssistant{},
		Fonts:     resolver,
	}, pipeline.Config{}, nil)
	return orch, resolver
}

type statusChange struct {
	id, status string
}

type fakeStore struct {
	mu        sync.Mutex
	existing  map[string]string
	created   []string
	sessions  []string
	statuses  []statusChange
	failed    map[string]string
	published map[string]models.PDFArtifact
	uris      map[string]string
	notices   map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		existing:  map[string]string{},
		failed:    map[string]string{},
		published: map[string]models.PDFArtifact{},
		uris:      map[string]string{},
		notices:   map[string][]string{},
	}
}

func (s *fakeStore) FindByHash(ctx context.Context, fileHash string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.existing[fileHash]
	if !ok {
		return "", false, nil
	}
	if _, failed := s.failed[id]; failed {
		return "", false, nil
	}
	return id, true, nil
}

func (s *fakeStore) Create(ctx context.Context, fileHash, filename, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("doc-%d", len(s.created)+1)
	s.created = append(s.created, id)
	s.sessions = append(s.sessions, sessionID)
	s.existing[fileHash] = id
	return id, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id, status string, extra ...firestore.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusChange{id, status})
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id, stage, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusChange{id, models.StatusFailed})
	s.failed[id] = stage
	return nil
}

func (s *fakeStore) MarkPublished(ctx context.Context, id string, pdf models.PDFArtifact, uri string, notices []string, cfg models.LayoutConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusChange{id, models.StatusPublished})
	s.published[id] = pdf
	s.uris[id] = uri
	s.notices[id] = notices
	return nil
}

func (s *fakeStore) statusesOf(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.statuses {
		if c.id == id {
			out = append(out, c.status)
		}
	}
	return out
}

type fakeArchive struct {
	mu     sync.Mutex
	stored map[string][]byte
}

func (a *fakeArchive) Store(ctx context.Context, documentID, filename string, pdf []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stored == nil {
		a.stored = map[string][]byte{}
	}
	key := documentID + "/" + filename
	a.stored[key] = pdf
	return "gs://pubs/" + key, nil
}

type fakeTrigger struct {
	mu   sync.Mutex
	args []models.PublishedWorkflowArgs
}

func (t *fakeTrigger) Trigger(ctx context.Context, args models.PublishedWorkflowArgs) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.args = append(t.args, args)
	return fmt.Sprintf("executions/%d", len(t.args)), nil
}

type fakeFetcher struct {
	files map[string][]byte
}

func (f fakeFetcher) DownloadPDF(ctx context.Context, filename string) ([]byte, error) {
	data, ok := f.files[filename]
	if !ok {
		return nil, apperr.Newf(apperr.StageRender, apperr.CodeNotFound, "%s not found", filename)
	}
	return data, nil
}

// anyFetcher serves the same bytes for every filename.
type anyFetcher []byte

func (f anyFetcher) DownloadPDF(ctx context.Context, filename string) ([]byte, error) {
	return f, nil
}

var errObjectMissing = errors.New("object missing")
