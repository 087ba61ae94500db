package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"cloud.google.com/go/vertexai/genai"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/models"
)

// --- Chat Model Prompts ---
const AssistantSystemPrompt = "You are a publishing assistant for teachers and editors who prepare printed documents. You answer questions about writing, markdown formatting and print layout. Reply in the language of the question."

// --- Layout Model Prompts ---
const LayoutSystemPrompt = "You are a print layout specialist. You recommend page layout settings for a markdown document that will be rendered to PDF. You must output your response as a single valid JSON object."
const LayoutUserPrompt = `Review the document below and its current layout settings, then recommend changes.

Return a JSON object with exactly two keys:
- "patch": an object containing ONLY the settings you would change. Allowed keys: page_format (A3, A4, Letter, Legal), margin_top, margin_bottom, margin_left, margin_right (millimetres), font_size (points), line_height, paragraph_spacing, indent_first_line, image_spacing, dpi (150 to 600), color_mode (CMYK or RGB), bleed (millimetres), widow_orphan_control.
- "rationale": a short explanation of the changes.

Current settings:
%s

Document:
%s`

// --- Exam Model Prompts ---
const ExamSystemPrompt = "You are an experienced teacher who writes exam questions from study material. You must output your response as a valid JSON array of strings."
const ExamUserPrompt = `Write %d %s questions based only on the material below.
Each array element is one complete question including its options or answer space.
Do not include any text before or after the JSON array.

Material:
%s`

// --- Proofread Model Prompts ---
const ProofreadSystemPrompt = "You are a meticulous proofreader for Chinese and English documents written in markdown. You must output your response as a single valid JSON object."
const ProofreadUserPrompt = `Proofread the document below. Check type: %s.

Return a JSON object with two keys:
- "result": a short summary of the document's quality.
- "errors": an array of objects with keys "start" and "end" (Unicode code point offsets into the document, end exclusive), "type" (spelling, grammar, format, punctuation or general), "message" (what is wrong) and "suggestion" (the replacement text, or empty).

Document:
%s`

const maxProofreadRunes = 50000

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"as a large language model",
}

// VertexAssistant answers AI Assist requests with Gemini on Vertex AI.
type VertexAssistant struct {
	ChatModel      *genai.GenerativeModel
	LayoutModel    *genai.GenerativeModel
	ExamModel      *genai.GenerativeModel
	ProofreadModel *genai.GenerativeModel
	baseClient     *genai.Client
	logger         *zap.Logger
}

func jsonModel(base *genai.Client, modelName, systemPrompt string) *genai.GenerativeModel {
	m := base.GenerativeModel(modelName)
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	m.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	return m
}

// NewVertexAssistant creates a client holding all assist models.
func NewVertexAssistant(ctx context.Context, projectID, region, modelName string, logger *zap.Logger) (*VertexAssistant, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexAssistant: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	chatModel := baseClient.GenerativeModel(modelName)
	chatModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(AssistantSystemPrompt)},
	}
	chatModel.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.7),
	}

	// Exam material is often history or biology and trips the default filters.
	examModel := jsonModel(baseClient, modelName, ExamSystemPrompt)
	examModel.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockOnlyHigh},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockOnlyHigh},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockOnlyHigh},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockOnlyHigh},
	}

	return &VertexAssistant{
		ChatModel:      chatModel,
		LayoutModel:    jsonModel(baseClient, modelName, LayoutSystemPrompt),
		ExamModel:      examModel,
		ProofreadModel: jsonModel(baseClient, modelName, ProofreadSystemPrompt),
		baseClient:     baseClient,
		logger:         logger.With(zap.String("model", modelName)),
	}, nil
}

func (c *VertexAssistant) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// Chat replays history into a fresh chat session and sends message.
func (c *VertexAssistant) Chat(ctx context.Context, message string, history []models.ChatTurn) (string, error) {
	cs := c.ChatModel.StartChat()
	cs.History = chatHistory(history)
	resp, err := cs.SendMessage(ctx, genai.Text(message))
	if err != nil {
		return "", c.fail("chat", err)
	}
	return c.checkedText("chat", resp)
}

// AnalyzeImage sends the image inline with question.
func (c *VertexAssistant) AnalyzeImage(ctx context.Context, img models.ImageInput, question string) (string, error) {
	if question == "" {
		question = "Describe this image for a document editor."
	}
	blob := genai.Blob{MIMEType: img.ContentType, Data: img.Data}
	resp, err := c.ChatModel.GenerateContent(ctx, blob, genai.Text(question))
	if err != nil {
		return "", c.fail("analyze-image", err)
	}
	return c.checkedText("analyze-image", resp)
}

// SuggestLayout asks for a JSON patch against current.
func (c *VertexAssistant) SuggestLayout(ctx context.Context, content string, current models.LayoutConfig) (models.LayoutSuggestion, error) {
	cur, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return models.LayoutSuggestion{}, fmt.Errorf("failed to marshal current layout: %w", err)
	}
	resp, err := c.LayoutModel.GenerateContent(ctx, genai.Text(fmt.Sprintf(LayoutUserPrompt, cur, content)))
	if err != nil {
		return models.LayoutSuggestion{}, c.fail("layout-suggestions", err)
	}
	var out models.LayoutSuggestion
	if err := c.decode("layout-suggestions", resp, &out); err != nil {
		return models.LayoutSuggestion{}, err
	}
	return out, nil
}

// GenerateExam returns count questions of questionType.
func (c *VertexAssistant) GenerateExam(ctx context.Context, content, questionType string, count int) ([]string, error) {
	resp, err := c.ExamModel.GenerateContent(ctx, genai.Text(fmt.Sprintf(ExamUserPrompt, count, questionType, content)))
	if err != nil {
		return nil, c.fail("generate-exam", err)
	}
	var questions []string
	if err := c.decode("generate-exam", resp, &questions); err != nil {
		return nil, err
	}
	out := questions[:0]
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out, nil
}

type proofreadFinding struct {
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
}

type proofreadReport struct {
	Result string             `json:"result"`
	Errors []proofreadFinding `json:"errors"`
}

// Proofread checks content. The model is asked for code point offsets; spans it
// gets wrong are dropped later when they are normalised against the content.
func (c *VertexAssistant) Proofread(ctx context.Context, content, checkType string, withHighlights bool) (models.ProofreadResult, error) {
	if strings.TrimSpace(content) == "" {
		return models.ProofreadResult{}, apperr.Field("content", "must not be empty")
	}
	if utf8.RuneCountInString(content) > maxProofreadRunes {
		return models.ProofreadResult{}, apperr.Field("content", fmt.Sprintf("must be at most %d characters", maxProofreadRunes))
	}
	resp, err := c.ProofreadModel.GenerateContent(ctx, genai.Text(fmt.Sprintf(ProofreadUserPrompt, checkType, content)))
	if err != nil {
		return models.ProofreadResult{}, c.fail("proofread", err)
	}
	var report proofreadReport
	if err := c.decode("proofread", resp, &report); err != nil {
		return models.ProofreadResult{}, err
	}
	return report.toResult(withHighlights), nil
}

func (r proofreadReport) toResult(withHighlights bool) models.ProofreadResult {
	res := models.ProofreadResult{Report: r.Result, Spans: []models.HighlightSpan{}}
	if !withHighlights {
		return res
	}
	for _, e := range r.Errors {
		res.Spans = append(res.Spans, models.HighlightSpan{
			Offset:     e.Start,
			Length:     e.End - e.Start,
			Category:   e.Type,
			Message:    e.Message,
			Suggestion: e.Suggestion,
		})
	}
	return res
}

func chatHistory(turns []models.ChatTurn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == "assistant" || t.Role == "model" {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(t.Content)}})
	}
	return out
}

func (c *VertexAssistant) checkedText(op string, resp *genai.GenerateContentResponse) (string, error) {
	text := extractText(resp)
	if isRefusal(text) {
		c.logger.Warn("LLM refusal detected", zap.String("operation", op), zap.String("response", text))
		return "", apperr.Newf(apperr.StageAI, apperr.CodeRejected, "model refused the %s request", op)
	}
	if text == "" {
		return "", apperr.Newf(apperr.StageAI, apperr.CodeUnexpectedResponse, "empty %s response", op)
	}
	return text, nil
}

func (c *VertexAssistant) decode(op string, resp *genai.GenerateContentResponse, v any) error {
	text, err := c.checkedText(op, resp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		c.logger.Error("Failed to parse model JSON", zap.String("operation", op), zap.Error(err), zap.String("response", text))
		return apperr.New(apperr.StageAI, apperr.CodeUnexpectedResponse, fmt.Errorf("failed to parse %s response: %w", op, err))
	}
	return nil
}

func (c *VertexAssistant) fail(op string, err error) error {
	mapped := classifyGenaiError(err)
	c.logger.Error("Call to Vertex AI failed", zap.String("operation", op), zap.Error(err))
	return mapped
}

// extractText joins the text parts of the first candidate and strips any
// markdown fence the model wrapped them in.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return trimFence(b.String())
}

func trimFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], " {[") {
		s = s[nl+1:] // language tag
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func isRefusal(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// classifyGenaiError maps SDK failures onto AI stage codes.
func classifyGenaiError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return apperr.New(apperr.StageAI, apperr.CodeRejected, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(apperr.StageAI, apperr.CodeTimeout, err)
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return apperr.New(apperr.StageAI, apperr.CodeTimeout, err)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied:
		return apperr.New(apperr.StageAI, apperr.CodeRejected, err)
	}
	return apperr.New(apperr.StageAI, apperr.CodeUnavailable, err)
}
