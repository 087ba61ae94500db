package backend

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/ingest"
	"github.com/Lllllllleong/publishflow/internal/models"
)

type uploadResponse struct {
	FileID          string `json:"file_id"`
	Filename        string `json:"filename"`
	FileType        string `json:"file_type"`
	FileSize        int64  `json:"file_size"`
	MarkdownContent string `json:"markdown_content"`
}

type convertResponse struct {
	Content string `json:"content"`
	Format  string `json:"format"`
}

// StoredDocument is an uploaded file as listed by the service.
type StoredDocument struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type documentListResponse struct {
	Documents []struct {
		Filename  string   `json:"filename"`
		Size      int64    `json:"size"`
		CreatedAt unixTime `json:"created_at"`
	} `json:"documents"`
	Total int `json:"total"`
}

// Ingest uploads f. The file is checked locally first; a file that fails the
// extension, size or content checks never reaches the service.
func (c *Client) Ingest(ctx context.Context, f models.RawFile) (models.Document, error) {
	typ, err := ingest.Detect(f, c.maxUploadBytes)
	if err != nil {
		return models.Document{}, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", path.Base(f.Filename))
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to create multipart part: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return models.Document{}, fmt.Errorf("failed to write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return models.Document{}, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.endpoint("/api/documents/upload", nil), &buf)
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp uploadResponse
	if err := c.call(ctx, apperr.StageIngest, "upload", req, &resp); err != nil {
		return models.Document{}, err
	}
	if resp.FileID == "" {
		return models.Document{}, apperr.Newf(apperr.StageIngest, apperr.CodeUnexpectedResponse, "upload response carried no file_id")
	}
	text, err := canonical(resp.MarkdownContent)
	if err != nil {
		return models.Document{}, err
	}
	if remote := models.DocumentType(resp.FileType); remote != "" && remote != typ {
		c.logger.Warn("Service classified upload differently",
			zap.String("filename", f.Filename),
			zap.String("local", string(typ)),
			zap.String("remote", resp.FileType))
	}

	size := resp.FileSize
	if size == 0 {
		size = int64(len(f.Data))
	}
	return models.Document{
		FileID:     resp.FileID,
		Filename:   f.Filename,
		FileType:   typ,
		Content:    text,
		Size:       size,
		UploadedAt: time.Now().UTC(),
	}, nil
}

// Convert asks the service to re-derive fileID's content as targetFormat.
func (c *Client) Convert(ctx context.Context, fileID, targetFormat string) (string, error) {
	if _, err := ingest.TypeForTarget(targetFormat); err != nil {
		return "", err
	}
	// The service only converts to markdown; text output is markdown-compatible.
	q := url.Values{"file_id": {fileID}, "target_format": {"markdown"}}
	req, err := http.NewRequest(http.MethodPost, c.endpoint("/api/documents/convert", q), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build convert request: %w", err)
	}
	var resp convertResponse
	if err := c.call(ctx, apperr.StageIngest, "convert", req, &resp); err != nil {
		return "", err
	}
	return canonical(resp.Content)
}

// ListDocuments returns the files stored on the service.
func (c *Client) ListDocuments(ctx context.Context) ([]StoredDocument, error) {
	var resp documentListResponse
	if err := c.getJSON(ctx, apperr.StageIngest, "list-documents", "/api/documents/list", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]StoredDocument, 0, len(resp.Documents))
	for _, d := range resp.Documents {
		out = append(out, StoredDocument{Filename: d.Filename, Size: d.Size, CreatedAt: d.CreatedAt.Time()})
	}
	return out, nil
}

// DeleteDocument removes an uploaded file. A missing file is INGEST NOT_FOUND.
func (c *Client) DeleteDocument(ctx context.Context, fileID string) error {
	return c.delete(ctx, apperr.StageIngest, "delete-document", "/api/documents/"+url.PathEscape(fileID))
}

// canonical applies the same text normalisation as local ingestion so that content
// from upload and from conversion compares equal.
func canonical(markdown string) (string, error) {
	return ingest.Canonicalize(models.DocumentMarkdown, []byte(markdown))
}
