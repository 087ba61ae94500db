// Package backend is the HTTP client for a PrintMind-compatible publishing service.
// It implements the ingestion, rendering, font and AI stages of the pipeline on top
// of the service's REST API.
//
// Responses are decoded once at this boundary. Errors become *apperr.Error values
// carrying the stage that failed; the envelope's error_code is used when present and
// the HTTP status otherwise. Message text is never inspected.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/ingest"
)

const (
	defaultTimeout = 2 * time.Minute
	// maxResponseBytes bounds every decoded body. Preview PDFs arrive base64 encoded
	// inside JSON, so this is well above the largest expected document.
	maxResponseBytes = 256 << 20
	apiKeyHeader     = "X-API-Key"
)

var tracer = otel.Tracer("github.com/Lllllllleong/publishflow/internal/backend")

// Client talks to one service instance. It holds no global state, so several
// clients with different base URLs can coexist.
type Client struct {
	base           *url.URL
	apiKey         string
	http           *http.Client
	logger         *zap.Logger
	maxUploadBytes int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey sends key on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMaxUploadBytes sets the local upload size cap checked before any request.
func WithMaxUploadBytes(n int64) Option {
	return func(c *Client) { c.maxUploadBytes = n }
}

// New returns a client for the service at baseURL, e.g. "http://localhost:8000".
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("backend: base URL must be provided")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: base URL %q must be http or https", baseURL)
	}
	c := &Client{
		base:           u,
		http:           &http.Client{Timeout: defaultTimeout},
		logger:         zap.NewNop(),
		maxUploadBytes: ingest.DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the service root the client was created with.
func (c *Client) BaseURL() string { return c.base.String() }

// endpoint joins an already escaped path onto the base URL.
func (c *Client) endpoint(path string, query url.Values) string {
	u := c.base.String() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// envelope covers every response shape the service produces: flat success bodies,
// {success, message, data} wrappers, {success:false, error_code} errors and the
// framework's {detail} errors.
type envelope struct {
	Success   *bool           `json:"success"`
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
	Detail    json.RawMessage `json:"detail"`
	Data      json.RawMessage `json:"data"`
}

func (e envelope) text() string {
	if e.Message != "" {
		return e.Message
	}
	var s string
	if len(e.Detail) > 0 && json.Unmarshal(e.Detail, &s) == nil {
		return s
	}
	return string(e.Detail)
}

// knownCodes are the error_code values the client maps directly.
var knownCodes = map[string]apperr.Code{
	"UNSUPPORTED":       apperr.CodeUnsupported,
	"CORRUPT":           apperr.CodeCorrupt,
	"TOO_LARGE":         apperr.CodeTooLarge,
	"NOT_FOUND":         apperr.CodeNotFound,
	"UNAVAILABLE":       apperr.CodeUnavailable,
	"REJECTED":          apperr.CodeRejected,
	"TIMEOUT":           apperr.CodeTimeout,
	"FONT_MISSING":      apperr.CodeFontMissing,
	"CONTENT_TOO_LARGE": apperr.CodeContentTooLarge,
	"VALIDATION_FAILED": apperr.CodeValidationFailed,
	"INVALID_OUTPUT":    apperr.CodeInvalidOutput,
}

// statusCode maps an HTTP status to a code for stage when the body has no error_code.
func statusCode(stage apperr.Stage, status int) apperr.Code {
	switch {
	case status == http.StatusNotFound:
		if stage == apperr.StageAI {
			return apperr.CodeUnavailable
		}
		return apperr.CodeNotFound
	case status == http.StatusRequestEntityTooLarge:
		if stage == apperr.StageRender {
			return apperr.CodeContentTooLarge
		}
		return apperr.CodeTooLarge
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return apperr.CodeTimeout
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		switch stage {
		case apperr.StageIngest:
			return apperr.CodeUnsupported
		case apperr.StageRender:
			return apperr.CodeValidationFailed
		case apperr.StageAI:
			return apperr.CodeRejected
		}
		return apperr.CodeInvalidField
	}
	return apperr.CodeUnavailable
}

func responseError(stage apperr.Stage, status int, env envelope) error {
	code, ok := knownCodes[env.ErrorCode]
	if !ok {
		code = statusCode(stage, status)
	}
	msg := env.text()
	if msg == "" {
		msg = http.StatusText(status)
	}
	return apperr.New(stage, code, fmt.Errorf("service returned %d: %s", status, msg))
}

func transportError(stage apperr.Stage, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(stage, apperr.CodeTimeout, err)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return apperr.New(stage, apperr.CodeTimeout, err)
	}
	return apperr.New(stage, apperr.CodeUnavailable, err)
}

// send executes req inside a client span and returns the status and body.
func (c *Client) send(ctx context.Context, stage apperr.Stage, op string, req *http.Request) (int, []byte, error) {
	ctx, span := tracer.Start(ctx, "backend."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("publish.stage", string(stage)),
		attribute.String("http.request.method", req.Method),
		attribute.String("url.path", req.URL.Path),
	)

	req = req.WithContext(ctx)
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		c.logger.Warn("Service request failed", zap.String("op", op), zap.Error(err))
		return 0, nil, transportError(stage, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read body")
		return 0, nil, transportError(stage, fmt.Errorf("failed to read response body: %w", err))
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	c.logger.Debug("Service request completed",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return resp.StatusCode, body, nil
}

// call sends req and decodes a JSON response into out.
func (c *Client) call(ctx context.Context, stage apperr.Stage, op string, req *http.Request, out any) error {
	status, body, err := c.send(ctx, stage, op, req)
	if err != nil {
		return err
	}

	var env envelope
	jsonErr := json.Unmarshal(body, &env)
	if status >= 400 {
		return responseError(stage, status, env)
	}
	if jsonErr != nil {
		return apperr.New(stage, unexpectedCode(stage), fmt.Errorf("failed to decode %s response: %w", op, jsonErr))
	}
	if env.Success != nil && !*env.Success {
		if _, ok := knownCodes[env.ErrorCode]; !ok {
			return apperr.New(stage, apperr.CodeUnavailable, fmt.Errorf("%s reported failure: %s", op, env.text()))
		}
		return responseError(stage, status, env)
	}
	if out == nil {
		return nil
	}
	payload := body
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		payload = env.Data
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return apperr.New(stage, unexpectedCode(stage), fmt.Errorf("failed to decode %s response: %w", op, err))
	}
	return nil
}

func unexpectedCode(stage apperr.Stage) apperr.Code {
	if stage == apperr.StageRender {
		return apperr.CodeInvalidOutput
	}
	return apperr.CodeUnexpectedResponse
}

func (c *Client) getJSON(ctx context.Context, stage apperr.Stage, op, path string, query url.Values, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	return c.call(ctx, stage, op, req, out)
}

func (c *Client) postJSON(ctx context.Context, stage apperr.Stage, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}
	req, err := http.NewRequest(http.MethodPost, c.endpoint(path, nil), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.call(ctx, stage, op, req, out)
}

func (c *Client) delete(ctx context.Context, stage apperr.Stage, op, path string) error {
	req, err := http.NewRequest(http.MethodDelete, c.endpoint(path, nil), nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	return c.call(ctx, stage, op, req, nil)
}

// unixTime decodes the service's float epoch seconds.
type unixTime float64

func (t unixTime) Time() time.Time {
	sec := int64(t)
	return time.Unix(sec, int64((float64(t)-float64(sec))*1e9)).UTC()
}
