package models

// These structs define the JSON payloads exchanged with the publishing HTTP API
// and handed to the downstream Cloud Workflow.

// CreateSessionResponse is returned when a session is opened.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// UpdateContentRequest replaces the canonical content of the session document.
type UpdateContentRequest struct {
	Content string `json:"content"`
}

// ConvertRequest re-derives canonical content from the session document.
type ConvertRequest struct {
	FileID       string `json:"fileId"`
	TargetFormat string `json:"targetFormat"`
}

// ConvertResponse carries the re-derived content.
type ConvertResponse struct {
	Content string `json:"content"`
}

// RenderRequest starts a final render.
type RenderRequest struct {
	Filename string `json:"filename,omitempty"`
}

// CallAccepted is returned for asynchronous operations.
type CallAccepted struct {
	Operation string `json:"operation"`
	Seq       uint64 `json:"seq"`
}

// ProofreadRequest starts a proofreading pass over the current content.
type ProofreadRequest struct {
	CheckType      string `json:"checkType"`
	WithHighlights bool   `json:"withHighlights"`
}

// ChatRequest is a stateless AI chat turn.
type ChatRequest struct {
	Message string     `json:"message"`
	History []ChatTurn `json:"history,omitempty"`
}

// ChatResponse is the assistant reply.
type ChatResponse struct {
	Reply string `json:"reply"`
}

// ExamRequest asks for questions generated from the current content.
type ExamRequest struct {
	QuestionType string `json:"questionType"`
	Count        int    `json:"count"`
}

// ExamResponse lists generated questions.
type ExamResponse struct {
	Questions []string `json:"questions"`
}

// ErrorResponse is written for every failed API call.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Stage     string `json:"stage,omitempty"`
	ErrorCode string `json:"errorCode"`
	Field     string `json:"field,omitempty"`
	Message   string `json:"message"`
}

// PublishedWorkflowArgs is the argument passed to the post-publication workflow.
type PublishedWorkflowArgs struct {
	DocumentID string `json:"documentId"`
	PDFUri     string `json:"pdfUri"`
	PageCount  int    `json:"pageCount"`
}
