package models

import (
	"sort"
	"time"
	"unicode/utf8"
)

// DocumentType is the detected source format of an upload.
type DocumentType string

const (
	DocumentMarkdown DocumentType = "markdown"
	DocumentDOCX     DocumentType = "docx"
	DocumentTXT      DocumentType = "txt"
)

// Document is an ingested upload together with its canonical markdown content.
type Document struct {
	FileID     string       `json:"file_id"`
	Filename   string       `json:"filename"`
	FileType   DocumentType `json:"file_type"`
	Content    string       `json:"markdown_content"`
	Size       int64        `json:"file_size"`
	UploadedAt time.Time    `json:"uploaded_at"`
}

// FontDescriptor describes one font known to the rendering service.
type FontDescriptor struct {
	Name            string `json:"name"`
	Family          string `json:"family"`
	Style           string `json:"style"`
	FilePath        string `json:"file_path"`
	SupportsChinese bool   `json:"supports_chinese"`
}

// RenderMode selects preview or final rendering.
type RenderMode string

const (
	RenderPreview RenderMode = "preview"
	RenderFinal   RenderMode = "final"
)

// PDFArtifact is one rendered PDF. Artifacts are never mutated; a newer render
// supersedes an older one.
type PDFArtifact struct {
	Locator        string        `json:"pdf_url"`
	Filename       string        `json:"filename,omitempty"`
	FileSize       int64         `json:"file_size"`
	PageCount      int           `json:"page_count"`
	GenerationTime time.Duration `json:"generation_time"`
	Kind           RenderMode    `json:"kind"`
	// Data holds the PDF bytes when the renderer returns them inline (previews).
	Data []byte `json:"-"`
}

// HighlightSpan marks a proofreading finding. Offset and Length count Unicode
// code points of the proofread content snapshot.
type HighlightSpan struct {
	Offset     int    `json:"offset"`
	Length     int    `json:"length"`
	Category   string `json:"category"`
	Message    string `json:"message,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ProofreadResult is the outcome of one proofreading request over a specific
// content revision.
type ProofreadResult struct {
	Report string          `json:"result"`
	Spans  []HighlightSpan `json:"spans"`
	// Revision is the session content revision the spans refer to.
	Revision uint64 `json:"revision"`
}

// NormalizeSpans sorts spans by offset and drops empty, out-of-range or overlapping
// spans so that the result is ordered and non-overlapping over content.
func NormalizeSpans(spans []HighlightSpan, content string) []HighlightSpan {
	limit := utf8.RuneCountInString(content)
	kept := make([]HighlightSpan, 0, len(spans))
	for _, s := range spans {
		if s.Length <= 0 || s.Offset < 0 || s.Offset+s.Length > limit {
			continue
		}
		kept = append(kept, s)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Offset != kept[j].Offset {
			return kept[i].Offset < kept[j].Offset
		}
		return kept[i].Length > kept[j].Length
	})

	out := kept[:0]
	end := -1
	for _, s := range kept {
		if s.Offset < end {
			continue
		}
		out = append(out, s)
		end = s.Offset + s.Length
	}
	return out
}

// ChatTurn is one message of a caller-held conversation.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ImageInput is an image sent for AI analysis.
type ImageInput struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Publication statuses, in the order a successful run passes through them.
const (
	StatusReceived  = "RECEIVED"
	StatusRendering = "RENDERING"
	StatusArchiving = "ARCHIVING"
	StatusPublished = "PUBLISHED"
	StatusFailed    = "FAILED"
)

// PublicationRecord tracks one unattended publication run in Firestore.
type PublicationRecord struct {
	FileHash         string        `firestore:"fileHash,omitempty"`
	OriginalFilename string        `firestore:"originalFilename,omitempty"`
	SessionID        string        `firestore:"sessionId,omitempty"`
	Status           string        `firestore:"status,omitempty"`
	ErrorStage       string        `firestore:"errorStage,omitempty"`
	ErrorDetails     string        `firestore:"errorDetails,omitempty"`
	PageCount        int           `firestore:"pageCount,omitempty"`
	PDFUri           string        `firestore:"pdfUri,omitempty"`
	FontNotices      []string      `firestore:"fontNotices,omitempty"`
	Layout           *LayoutConfig `firestore:"layout,omitempty"`
	CreatedAt        time.Time     `firestore:"createdAt,omitempty"`
}

// RawFile is an upload before ingestion.
type RawFile struct {
	Filename string
	Data     []byte
}

// LayoutSuggestion is an AI-proposed layout change. It is staged for confirmation
// and never applied automatically.
type LayoutSuggestion struct {
	Patch     LayoutPatch `json:"patch"`
	Rationale string      `json:"rationale,omitempty"`
}
