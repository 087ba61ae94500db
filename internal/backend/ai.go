package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/models"
)

// MaxProofreadRunes is the longest content the service proofreads in one call.
const MaxProofreadRunes = 50000

type chatRequest struct {
	Message             string            `json:"message"`
	ConversationHistory []models.ChatTurn `json:"conversation_history"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type imageResponse struct {
	Analysis string `json:"analysis"`
}

type layoutSuggestionRequest struct {
	Content       string     `json:"content"`
	CurrentConfig wireLayout `json:"current_config"`
}

type layoutSuggestionResponse struct {
	Suggestions string `json:"suggestions"`
}

type examRequest struct {
	Content      string `json:"content"`
	QuestionType string `json:"question_type"`
	Count        int    `json:"count"`
}

type examResponse struct {
	Questions string `json:"questions"`
}

type proofreadRequest struct {
	Content        string `json:"content"`
	CheckType      string `json:"check_type"`
	WithHighlights bool   `json:"with_highlights"`
}

type proofreadError struct {
	Line    int    `json:"line"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Text    string `json:"text"`
}

type proofreadResponse struct {
	Result      string           `json:"result"`
	Errors      []proofreadError `json:"errors"`
	TotalErrors int              `json:"total_errors"`
}

// Chat sends message with the caller's history.
func (c *Client) Chat(ctx context.Context, message string, history []models.ChatTurn) (string, error) {
	if history == nil {
		history = []models.ChatTurn{}
	}
	var resp chatResponse
	if err := c.postJSON(ctx, apperr.StageAI, "chat", "/api/ai/chat", chatRequest{Message: message, ConversationHistory: history}, &resp); err != nil {
		return "", err
	}
	return resp.Reply, nil
}

// AnalyzeImage uploads img with question and returns the description.
func (c *Client) AnalyzeImage(ctx context.Context, img models.ImageInput, question string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	name := img.Filename
	if name == "" {
		name = "image"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", img.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("failed to create image part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return "", fmt.Errorf("failed to write image part: %w", err)
	}
	if err := mw.WriteField("question", question); err != nil {
		return "", fmt.Errorf("failed to write question field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.endpoint("/api/ai/analyze-image", nil), &buf)
	if err != nil {
		return "", fmt.Errorf("failed to build analyze-image request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var resp imageResponse
	if err := c.call(ctx, apperr.StageAI, "analyze-image", req, &resp); err != nil {
		return "", err
	}
	return resp.Analysis, nil
}

// SuggestLayout returns the service's advice. When the advice embeds a JSON object
// of layout fields it becomes the suggestion's patch; otherwise the patch is empty
// and only the rationale is useful.
func (c *Client) SuggestLayout(ctx context.Context, content string, current models.LayoutConfig) (models.LayoutSuggestion, error) {
	var resp layoutSuggestionResponse
	wire, _ := toWire(current)
	body := layoutSuggestionRequest{Content: content, CurrentConfig: wire}
	if err := c.postJSON(ctx, apperr.StageAI, "layout-suggestions", "/api/ai/layout-suggestions", body, &resp); err != nil {
		return models.LayoutSuggestion{}, err
	}
	return models.LayoutSuggestion{
		Patch:     patchFromText(resp.Suggestions),
		Rationale: strings.TrimSpace(resp.Suggestions),
	}, nil
}

// patchFromText extracts the outermost JSON object of text as a patch. Margins in
// the service's centimetres are converted to millimetres.
func patchFromText(text string) models.LayoutPatch {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return models.LayoutPatch{}
	}
	var p models.LayoutPatch
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return models.LayoutPatch{}
	}
	for _, m := range []*float64{p.MarginTop, p.MarginBottom, p.MarginLeft, p.MarginRight} {
		if m != nil {
			*m *= 10
		}
	}
	return p
}

// GenerateExam returns one string per generated question.
func (c *Client) GenerateExam(ctx context.Context, content, questionType string, count int) ([]string, error) {
	var resp examResponse
	body := examRequest{Content: content, QuestionType: questionType, Count: count}
	if err := c.postJSON(ctx, apperr.StageAI, "generate-exam", "/api/ai/generate-exam", body, &resp); err != nil {
		return nil, err
	}
	return splitQuestions(resp.Questions), nil
}

// splitQuestions splits the service's exam text on lines holding only "---".
func splitQuestions(text string) []string {
	var out []string
	var cur []string
	flush := func() {
		if q := strings.TrimSpace(strings.Join(cur, "\n")); q != "" {
			out = append(out, q)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "---" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return out
}

var suggestionPattern = regexp.MustCompile(`(?:改为|应为|suggest(?:ion)?:?)\s*[：:]?\s*["“]([^"”]+)["”]`)

// Proofread checks content. Error offsets are code points into content.
func (c *Client) Proofread(ctx context.Context, content, checkType string, withHighlights bool) (models.ProofreadResult, error) {
	if strings.TrimSpace(content) == "" {
		return models.ProofreadResult{}, apperr.Field("content", "must not be empty")
	}
	if utf8.RuneCountInString(content) > MaxProofreadRunes {
		return models.ProofreadResult{}, apperr.Field("content", fmt.Sprintf("must be at most %d characters", MaxProofreadRunes))
	}
	var resp proofreadResponse
	body := proofreadRequest{Content: content, CheckType: checkType, WithHighlights: withHighlights}
	if err := c.postJSON(ctx, apperr.StageAI, "proofread", "/api/ai/proofread", body, &resp); err != nil {
		return models.ProofreadResult{}, err
	}

	spans := make([]models.HighlightSpan, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		span := models.HighlightSpan{
			Offset:   e.Start,
			Length:   e.End - e.Start,
			Category: e.Type,
			Message:  e.Message,
		}
		if m := suggestionPattern.FindStringSubmatch(e.Message); m != nil {
			span.Suggestion = m[1]
		}
		spans = append(spans, span)
	}
	return models.ProofreadResult{Report: resp.Result, Spans: spans}, nil
}
