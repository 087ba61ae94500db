package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/models"
)

// Proofreading check types.
const (
	CheckSpelling      = "spelling"
	CheckGrammar       = "grammar"
	CheckMarkdown      = "markdown"
	CheckComprehensive = "comprehensive"
)

// MaxImageBytes caps images sent for analysis.
const MaxImageBytes = 10 << 20

var imageTypes = map[string]bool{
	"image/jpeg":    true,
	"image/jpg":     true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/bmp":     true,
	"image/tiff":    true,
	"image/svg+xml": true,
}

func (o *Orchestrator) assistLogger(id, op string, seq uint64) *zap.Logger {
	return o.logger.With(zap.String("sessionId", id), zap.String("operation", op), zap.Uint64("seq", seq))
}

// Proofread checks the current content. The result is kept only if the content is
// unchanged and no newer proofread was issued when it arrives.
func (o *Orchestrator) Proofread(ctx context.Context, id, checkType string, withHighlights bool) (*Call[*models.ProofreadResult], error) {
	if checkType == "" {
		checkType = CheckComprehensive
	}
	switch checkType {
	case CheckSpelling, CheckGrammar, CheckMarkdown, CheckComprehensive:
	default:
		return nil, apperr.Field("check_type", fmt.Sprintf("unsupported check type %q", checkType))
	}

	s, err := o.lock(id)
	if err != nil {
		return nil, err
	}
	if err := checkOp(s.state(), OpAssist); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	text := s.doc.Content
	rev := s.contentRev
	seq := s.issue(ModeProofread)
	s.mu.Unlock()

	logCtx := o.assistLogger(id, "proofread", seq)
	call := newCall[*models.ProofreadResult](seq)
	runAsync(ctx, o.cfg.AITimeout, call,
		func(ctx context.Context) (*models.ProofreadResult, error) {
			res, err := o.deps.Assistant.Proofread(ctx, text, checkType, withHighlights)
			if err != nil {
				return nil, stageError(apperr.StageAI, err)
			}
			return &res, nil
		},
		func(res *models.ProofreadResult, err error) (*models.ProofreadResult, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.ended || !s.isLatest(ModeProofread, seq) || s.contentRev != rev {
				logCtx.Info("Discarding stale proofread response", zap.Uint64("revision", rev))
				return nil, staleError(ModeProofread, seq)
			}
			s.settle(ModeProofread)
			if err != nil {
				s.lastErr = err
				logCtx.Warn("Proofreading failed", zap.Error(err))
				return nil, err
			}
			res.Spans = models.NormalizeSpans(res.Spans, text)
			res.Revision = rev
			s.proofread = res
			out := *res
			out.Spans = append([]models.HighlightSpan(nil), res.Spans...)
			return &out, nil
		})
	return call, nil
}

// ApplyProofreadSuggestions replaces every highlighted span that carries a
// suggestion and returns the new content. The proofread result must match the
// current content revision.
func (o *Orchestrator) ApplyProofreadSuggestions(id string) (string, error) {
	s, err := o.lock(id)
	if err != nil {
		return "", err
	}
	defer s.mu.Unlock()
	if err := checkOp(s.state(), OpEdit); err != nil {
		return "", err
	}
	if s.proofread == nil || s.proofread.Revision != s.contentRev {
		return "", apperr.Newf(apperr.StagePipeline, apperr.CodeInvalidState, "no current proofread result")
	}

	runes := []rune(s.doc.Content)
	spans := append([]models.HighlightSpan(nil), s.proofread.Spans...)
	sort.Slice(spans, func(i, j int) bool { return spans[i].Offset > spans[j].Offset })
	for _, sp := range spans {
		if sp.Suggestion == "" || sp.Offset+sp.Length > len(runes) {
			continue
		}
		tail := append([]rune(sp.Suggestion), runes[sp.Offset+sp.Length:]...)
		runes = append(runes[:sp.Offset], tail...)
	}
	updated := string(runes)
	if updated != s.doc.Content {
		s.doc.Content = updated
		s.contentEdited()
	}
	return updated, nil
}

// SuggestLayout asks the assistant for a layout change. The suggestion is staged
// and applied only by AcceptLayoutSuggestion.
func (o *Orchestrator) SuggestLayout(ctx context.Context, id string) (*Call[*models.LayoutSuggestion], error) {
	s, err := o.lock(id)
	if err != nil {
		return nil, err
	}
	if err := checkOp(s.state(), OpAssist); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	text := s.doc.Content
	current := s.layout.Clone()
	contentRev, layoutRev := s.contentRev, s.layoutRev
	seq := s.issue(ModeSuggest)
	s.mu.Unlock()

	logCtx := o.assistLogger(id, "suggest-layout", seq)
	call := newCall[*models.LayoutSuggestion](seq)
	runAsync(ctx, o.cfg.AITimeout, call,
		func(ctx context.Context) (*models.LayoutSuggestion, error) {
			sug, err := o.deps.Assistant.SuggestLayout(ctx, text, current)
			if err != nil {
				return nil, stageError(apperr.StageAI, err)
			}
			return &sug, nil
		},
		func(sug *models.LayoutSuggestion, err error) (*models.LayoutSuggestion, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.ended || !s.isLatest(ModeSuggest, seq) || s.contentRev != contentRev || s.layoutRev != layoutRev {
				logCtx.Info("Discarding stale layout suggestion")
				return nil, staleError(ModeSuggest, seq)
			}
			s.settle(ModeSuggest)
			if err != nil {
				s.lastErr = err
				logCtx.Warn("Layout suggestion failed", zap.Error(err))
				return nil, err
			}
			s.suggestion = sug
			out := *sug
			return &out, nil
		})
	return call, nil
}

// AcceptLayoutSuggestion applies the staged suggestion as an explicit edit.
func (o *Orchestrator) AcceptLayoutSuggestion(id string) (models.LayoutConfig, error) {
	s, err := o.lock(id)
	if err != nil {
		return models.LayoutConfig{}, err
	}
	defer s.mu.Unlock()
	if err := checkOp(s.state(), OpEdit); err != nil {
		return models.LayoutConfig{}, err
	}
	if s.suggestion == nil {
		return models.LayoutConfig{}, apperr.Newf(apperr.StagePipeline, apperr.CodeInvalidState, "no staged layout suggestion")
	}
	s.layout = s.suggestion.Patch.Apply(s.layout)
	s.layoutEdited()
	return s.layout.Clone(), nil
}

// DiscardLayoutSuggestion drops the staged suggestion.
func (o *Orchestrator) DiscardLayoutSuggestion(id string) error {
	s, err := o.lock(id)
	if err != nil {
		return err
	}
	s.suggestion = nil
	s.mu.Unlock()
	return nil
}

// Chat forwards a message with the most recent history turns. It does not touch
// session state.
func (o *Orchestrator) Chat(ctx context.Context, id, message string, history []models.ChatTurn) (*Call[string], error) {
	if strings.TrimSpace(message) == "" {
		return nil, apperr.Field("message", "must not be empty")
	}
	s, err := o.lock(id)
	if err != nil {
		return nil, err
	}
	err = checkOp(s.state(), OpChat)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if len(history) > MaxChatHistory {
		history = history[len(history)-MaxChatHistory:]
	}
	history = append([]models.ChatTurn(nil), history...)

	call := newCall[string](0)
	runAsync(ctx, o.cfg.AITimeout, call,
		func(ctx context.Context) (string, error) {
			reply, err := o.deps.Assistant.Chat(ctx, message, history)
			return reply, stageError(apperr.StageAI, err)
		},
		func(reply string, err error) (string, error) {
			if err != nil {
				o.logger.Warn("Chat failed", zap.String("sessionId", id), zap.Error(err))
			}
			return reply, err
		})
	return call, nil
}

// AnalyzeImage asks the assistant to describe an image.
func (o *Orchestrator) AnalyzeImage(ctx context.Context, id string, img models.ImageInput, question string) (*Call[string], error) {
	if !imageTypes[strings.ToLower(img.ContentType)] {
		return nil, apperr.Field("image", fmt.Sprintf("unsupported image type %q", img.ContentType))
	}
	if len(img.Data) == 0 || len(img.Data) > MaxImageBytes {
		return nil, apperr.Field("image", fmt.Sprintf("image must be between 1 byte and %d bytes", MaxImageBytes))
	}
	if strings.TrimSpace(question) == "" {
		question = "Describe the content of this image."
	}
	s, err := o.lock(id)
	if err != nil {
		return nil, err
	}
	err = checkOp(s.state(), OpChat)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	call := newCall[string](0)
	runAsync(ctx, o.cfg.AITimeout, call,
		func(ctx context.Context) (string, error) {
			desc, err := o.deps.Assistant.AnalyzeImage(ctx, img, question)
			return desc, stageError(apperr.StageAI, err)
		},
		func(desc string, err error) (string, error) {
			if err != nil {
				o.logger.Warn("Image analysis failed", zap.String("sessionId", id), zap.Error(err))
			}
			return desc, err
		})
	return call, nil
}

// GenerateExam asks for count questions of questionType based on the current content.
func (o *Orchestrator) GenerateExam(ctx context.Context, id, questionType string, count int) (*Call[[]string], error) {
	if strings.TrimSpace(questionType) == "" {
		return nil, apperr.Field("question_type", "must not be empty")
	}
	if count < MinExamQuestions || count > MaxExamQuestions {
		return nil, apperr.Field("count", fmt.Sprintf("must be between %d and %d", MinExamQuestions, MaxExamQuestions))
	}
	s, err := o.lock(id)
	if err != nil {
		return nil, err
	}
	if err := checkOp(s.state(), OpAssist); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	text := s.doc.Content
	s.mu.Unlock()

	call := newCall[[]string](0)
	runAsync(ctx, o.cfg.AITimeout, call,
		func(ctx context.Context) ([]string, error) {
			qs, err := o.deps.Assistant.GenerateExam(ctx, text, questionType, count)
			return qs, stageError(apperr.StageAI, err)
		},
		func(qs []string, err error) ([]string, error) {
			if err != nil {
				o.logger.Warn("Exam generation failed", zap.String("sessionId", id), zap.Error(err))
			}
			return qs, err
		})
	return call, nil
}
