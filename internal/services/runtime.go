package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Lllllllleong/publishflow/internal/backend"
	"github.com/Lllllllleong/publishflow/internal/fonts"
	"github.com/Lllllllleong/publishflow/internal/gcp"
	"github.com/Lllllllleong/publishflow/internal/pipeline"
)

// RuntimeConfig holds the settings shared by every binary that drives sessions.
type RuntimeConfig struct {
	APIURL      string
	APIKey      string
	HTTPTimeout time.Duration
	Pipeline    pipeline.Config
	// AIProvider is "backend" (the rendering service's AI routes) or "vertex".
	AIProvider     string
	ProjectID      string
	VertexAIRegion string
	VertexModel    string
}

func loadRuntimeConfig() (RuntimeConfig, error) {
	d := pipeline.DefaultConfig()
	config := RuntimeConfig{
		APIURL:      gcp.GetEnv("PRINTMIND_API_URL", ""),
		APIKey:      gcp.GetEnv("PRINTMIND_API_KEY", ""),
		HTTPTimeout: gcp.GetEnvDuration("HTTP_TIMEOUT", 2*time.Minute),
		Pipeline: pipeline.Config{
			IngestTimeout:   gcp.GetEnvDuration("INGEST_TIMEOUT", d.IngestTimeout),
			RenderTimeout:   gcp.GetEnvDuration("RENDER_TIMEOUT", d.RenderTimeout),
			AITimeout:       gcp.GetEnvDuration("AI_TIMEOUT", d.AITimeout),
			FontTimeout:     gcp.GetEnvDuration("FONT_TIMEOUT", d.FontTimeout),
			PreviewDebounce: gcp.GetEnvDuration("PREVIEW_DEBOUNCE", d.PreviewDebounce),
			PreviewDPI:      gcp.GetEnvInt("PREVIEW_DPI", d.PreviewDPI),
			MaxUploadBytes:  int64(gcp.GetEnvInt("MAX_UPLOAD_BYTES", int(d.MaxUploadBytes))),
		},
		AIProvider:     strings.ToLower(gcp.GetEnv("AI_PROVIDER", "backend")),
		ProjectID:      gcp.GetEnv("PROJECT_ID", ""),
		VertexAIRegion: gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		VertexModel:    gcp.GetEnv("VERTEX_MODEL", "gemini-1.5-pro"),
	}
	if config.APIURL == "" {
		return RuntimeConfig{}, fmt.Errorf("PRINTMIND_API_URL environment variable must be set")
	}
	switch config.AIProvider {
	case "backend":
	case "vertex":
		if config.ProjectID == "" {
			return RuntimeConfig{}, fmt.Errorf("PROJECT_ID environment variable must be set when AI_PROVIDER=vertex")
		}
	default:
		return RuntimeConfig{}, fmt.Errorf("unsupported AI_PROVIDER %q", config.AIProvider)
	}
	return config, nil
}

// runtime is the set of collaborators one process shares across sessions.
type runtime struct {
	client       *backend.Client
	fonts        *fonts.Resolver
	orchestrator *pipeline.Orchestrator
}

func newRuntime(ctx context.Context, logger *zap.Logger) (*runtime, error) {
	config, err := loadRuntimeConfig()
	if err != nil {
		return nil, err
	}

	client, err := backend.New(config.APIURL,
		backend.WithAPIKey(config.APIKey),
		backend.WithHTTPClient(&http.Client{Timeout: config.HTTPTimeout}),
		backend.WithMaxUploadBytes(config.Pipeline.MaxUploadBytes),
		backend.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rendering service client: %w", err)
	}

	var assistant pipeline.Assistant = client
	if config.AIProvider == "vertex" {
		va, err := gcp.NewVertexAssistant(ctx, config.ProjectID, config.VertexAIRegion, config.VertexModel, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create vertex client: %w", err)
		}
		assistant = va
	}

	return assemble(client, assistant, config.Pipeline, logger), nil
}

// assemble wires one orchestrator around client.
func assemble(client *backend.Client, assistant pipeline.Assistant, cfg pipeline.Config, logger *zap.Logger) *runtime {
	resolver := fonts.NewResolver(client, fonts.WithLogger(logger))
	orch := pipeline.New(pipeline.Deps{
		Ingester:  client,
		Renderer:  client,
		Assistant: assistant,
		Fonts:     resolver,
		Pruner:    client,
	}, cfg, logger)
	return &runtime{client: client, fonts: resolver, orchestrator: orch}
}
