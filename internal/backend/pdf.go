package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/models"
	"github.com/Lllllllleong/publishflow/internal/pipeline"
)

var pdfMagic = []byte("%PDF-")

// wireLayout is LayoutConfig as the service expects it: margins in centimetres.
type wireLayout struct {
	models.LayoutConfig
	MarginTop    float64 `json:"margin_top"`
	MarginBottom float64 `json:"margin_bottom"`
	MarginLeft   float64 `json:"margin_left"`
	MarginRight  float64 `json:"margin_right"`
}

// MaxWireMargin is the largest margin in centimetres the service accepts.
const MaxWireMargin = 5.0

// toWire converts cfg to the service's units. Margins above MaxWireMargin are
// clamped; the names of clamped fields are returned.
func toWire(cfg models.LayoutConfig) (wireLayout, []string) {
	var clamped []string
	cm := func(field string, mm float64) float64 {
		v := mm / 10
		if v > MaxWireMargin {
			clamped = append(clamped, field)
			return MaxWireMargin
		}
		return v
	}
	return wireLayout{
		LayoutConfig: cfg,
		MarginTop:    cm("margin_top", cfg.MarginTop),
		MarginBottom: cm("margin_bottom", cfg.MarginBottom),
		MarginLeft:   cm("margin_left", cfg.MarginLeft),
		MarginRight:  cm("margin_right", cfg.MarginRight),
	}, clamped
}

type generateRequest struct {
	Content      string     `json:"content"`
	LayoutConfig wireLayout `json:"layout_config"`
	Filename     string     `json:"filename,omitempty"`
}

type generateResponse struct {
	PDFURL         string  `json:"pdf_url"`
	FileSize       int64   `json:"file_size"`
	PageCount      int     `json:"page_count"`
	GenerationTime float64 `json:"generation_time"`
}

type previewResponse struct {
	PDFData string `json:"pdf_data"`
}

// StoredPDF is a generated PDF as listed by the service.
type StoredPDF struct {
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	DownloadURL string    `json:"download_url"`
}

type pdfListResponse struct {
	PDFs []struct {
		Filename    string   `json:"filename"`
		Size        int64    `json:"size"`
		CreatedAt   unixTime `json:"created_at"`
		DownloadURL string   `json:"download_url"`
	} `json:"pdfs"`
}

// Render produces a preview or a final PDF. Previews come back inline and their
// page count is read from the bytes; finals are stored by the service and
// referenced by URL.
func (c *Client) Render(ctx context.Context, req pipeline.RenderRequest) (models.PDFArtifact, error) {
	wire, clamped := toWire(req.WireConfig())
	if len(clamped) > 0 {
		c.logger.Warn("Margins clamped to the renderer maximum",
			zap.Strings("fields", clamped),
			zap.Float64("maxCm", MaxWireMargin),
			zap.String("mode", string(req.Mode)),
		)
	}
	body := generateRequest{
		Content:      req.Content,
		LayoutConfig: wire,
	}
	start := time.Now()

	if req.Mode == models.RenderPreview {
		var resp previewResponse
		if err := c.postJSON(ctx, apperr.StageRender, "preview", "/api/pdf/preview", body, &resp); err != nil {
			return models.PDFArtifact{}, err
		}
		data, err := base64.StdEncoding.DecodeString(resp.PDFData)
		if err != nil {
			return models.PDFArtifact{}, apperr.New(apperr.StageRender, apperr.CodeInvalidOutput, fmt.Errorf("preview is not valid base64: %w", err))
		}
		pages, err := countPages(data)
		if err != nil {
			return models.PDFArtifact{}, err
		}
		return models.PDFArtifact{
			Filename:       req.Filename,
			FileSize:       int64(len(data)),
			PageCount:      pages,
			GenerationTime: time.Since(start),
			Kind:           models.RenderPreview,
			Data:           data,
		}, nil
	}

	body.Filename = strings.TrimSuffix(req.Filename, ".pdf")
	var resp generateResponse
	if err := c.postJSON(ctx, apperr.StageRender, "generate", "/api/pdf/generate", body, &resp); err != nil {
		return models.PDFArtifact{}, err
	}
	if resp.PDFURL == "" {
		return models.PDFArtifact{}, apperr.Newf(apperr.StageRender, apperr.CodeInvalidOutput, "generate response carried no pdf_url")
	}
	if resp.PageCount < 1 {
		return models.PDFArtifact{}, apperr.Newf(apperr.StageRender, apperr.CodeInvalidOutput, "service reported %d pages", resp.PageCount)
	}
	c.logger.Info("PDF generated",
		zap.String("pdfUrl", resp.PDFURL),
		zap.Int("pageCount", resp.PageCount),
		zap.Float64("generationSeconds", resp.GenerationTime))
	return models.PDFArtifact{
		Locator:        resp.PDFURL,
		Filename:       path.Base(resp.PDFURL),
		FileSize:       resp.FileSize,
		PageCount:      resp.PageCount,
		GenerationTime: time.Duration(resp.GenerationTime * float64(time.Second)),
		Kind:           models.RenderFinal,
	}, nil
}

// countPages validates data as a PDF and returns its page count.
func countPages(data []byte) (int, error) {
	if !bytes.HasPrefix(data, pdfMagic) {
		return 0, apperr.Newf(apperr.StageRender, apperr.CodeInvalidOutput, "output is not a PDF")
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, apperr.New(apperr.StageRender, apperr.CodeInvalidOutput, fmt.Errorf("failed to read page count: %w", err))
	}
	if n < 1 {
		return 0, apperr.Newf(apperr.StageRender, apperr.CodeInvalidOutput, "output has no pages")
	}
	return n, nil
}

// ListPDFs returns generated PDFs, newest first.
func (c *Client) ListPDFs(ctx context.Context) ([]StoredPDF, error) {
	var resp pdfListResponse
	if err := c.getJSON(ctx, apperr.StageRender, "list-pdfs", "/api/pdf/list", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]StoredPDF, 0, len(resp.PDFs))
	for _, p := range resp.PDFs {
		out = append(out, StoredPDF{
			Filename:    p.Filename,
			Size:        p.Size,
			CreatedAt:   p.CreatedAt.Time(),
			DownloadURL: p.DownloadURL,
		})
	}
	return out, nil
}

// DeletePDF removes a generated PDF. A missing file is RENDER NOT_FOUND.
func (c *Client) DeletePDF(ctx context.Context, filename string) error {
	return c.delete(ctx, apperr.StageRender, "delete-pdf", "/api/pdf/"+url.PathEscape(filename))
}

// DownloadURL returns the absolute URL of a generated PDF.
func (c *Client) DownloadURL(filename string) string {
	return c.endpoint("/api/pdf/download/"+url.PathEscape(filename), nil)
}

// DownloadPDF fetches a generated PDF and checks that the bytes are a PDF.
func (c *Client) DownloadPDF(ctx context.Context, filename string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.DownloadURL(filename), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	req.Header.Set("Accept", "application/pdf")
	status, body, err := c.send(ctx, apperr.StageRender, "download-pdf", req)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		var env envelope
		_ = json.Unmarshal(body, &env)
		return nil, responseError(apperr.StageRender, status, env)
	}
	if !bytes.HasPrefix(body, pdfMagic) {
		return nil, apperr.Newf(apperr.StageRender, apperr.CodeInvalidOutput, "download of %s is not a PDF", filename)
	}
	return body, nil
}
