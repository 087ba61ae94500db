package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/gcp"
	"github.com/Lllllllleong/publishflow/internal/models"
	"github.com/Lllllllleong/publishflow/internal/pipeline"
)

// PublisherConfig holds configuration for the document-publisher function.
type PublisherConfig struct {
	ProjectID          string
	PublishedPDFBucket string
	CollectionName     string
	WorkflowID         string
	WorkflowLocation   string
	// Layout is applied to every published document.
	Layout         models.LayoutConfig
	MaxSourceBytes int64
}

// GCSEvent is the payload of a storage object-finalized CloudEvent.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

type publicationStore interface {
	FindByHash(ctx context.Context, fileHash string) (string, bool, error)
	Create(ctx context.Context, fileHash, filename, sessionID string) (string, error)
	UpdateStatus(ctx context.Context, id, status string, extra ...firestore.Update) error
	MarkFailed(ctx context.Context, id, stage, details string) error
	MarkPublished(ctx context.Context, id string, pdf models.PDFArtifact, uri string, notices []string, cfg models.LayoutConfig) error
}

type artifactStore interface {
	Store(ctx context.Context, documentID, filename string, pdf []byte) (string, error)
}

type workflowTrigger interface {
	Trigger(ctx context.Context, args models.PublishedWorkflowArgs) (string, error)
}

type pdfFetcher interface {
	DownloadPDF(ctx context.Context, filename string) ([]byte, error)
}

// PublisherFunction renders every document dropped into the source bucket and
// archives the PDF.
type PublisherFunction struct {
	orchestrator *pipeline.Orchestrator
	fetcher      pdfFetcher
	store        publicationStore
	archive      artifactStore
	trigger      workflowTrigger
	readObject   func(ctx context.Context, bucket, object string) ([]byte, error)
	optimize     func(pdf []byte) ([]byte, int, error)
	config       PublisherConfig
	logger       *zap.Logger
}

func loadPublisherConfig() (PublisherConfig, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return PublisherConfig{}, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	config := PublisherConfig{
		ProjectID:          projectID,
		PublishedPDFBucket: gcp.GetEnv("PUBLISHED_PDF_BUCKET", ""),
		CollectionName:     gcp.GetEnv("FIRESTORE_COLLECTION", "publications"),
		WorkflowLocation:   gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		WorkflowID:         gcp.GetEnv("WORKFLOW_ID", "document-publication-orchestrator"),
		MaxSourceBytes:     int64(gcp.GetEnvInt("MAX_UPLOAD_BYTES", 50<<20)),
	}
	if config.PublishedPDFBucket == "" {
		return PublisherConfig{}, fmt.Errorf("PUBLISHED_PDF_BUCKET environment variable must be set")
	}
	layoutCfg, err := layoutFromEnv(gcp.GetEnv("DEFAULT_LAYOUT", ""))
	if err != nil {
		return PublisherConfig{}, err
	}
	config.Layout = layoutCfg
	return config, nil
}

// layoutFromEnv applies a JSON layout patch to the defaults.
func layoutFromEnv(raw string) (models.LayoutConfig, error) {
	cfg := models.DefaultLayoutConfig()
	if strings.TrimSpace(raw) == "" {
		return cfg, nil
	}
	var patch models.LayoutPatch
	if err := json.Unmarshal([]byte(raw), &patch); err != nil {
		return models.LayoutConfig{}, fmt.Errorf("DEFAULT_LAYOUT is not a valid layout patch: %w", err)
	}
	return patch.Apply(cfg), nil
}

// NewPublisher creates a PublisherFunction wired to GCP and the rendering service.
func NewPublisher(ctx context.Context, logger *zap.Logger) (*PublisherFunction, error) {
	config, err := loadPublisherConfig()
	if err != nil {
		return nil, err
	}
	rt, err := newRuntime(ctx, logger)
	if err != nil {
		return nil, err
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	executionsClient, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}

	f := &PublisherFunction{
		orchestrator: rt.orchestrator,
		fetcher:      rt.client,
		store:        gcp.NewPublicationStore(firestoreClient, config.CollectionName),
		archive:      gcp.NewArtifactArchive(storageClient, config.PublishedPDFBucket, logger),
		trigger:      gcp.NewWorkflowTrigger(executionsClient, config.ProjectID, config.WorkflowLocation, config.WorkflowID),
		readObject:   gcsReader(storageClient, config.MaxSourceBytes),
		optimize:     optimizePDF,
		config:       config,
		logger:       logger,
	}
	logger.Info("Publisher logic initialized.", zap.String("workflowId", config.WorkflowID), zap.String("renderer", rt.client.BaseURL()))
	return f, nil
}

// Process publishes one uploaded source document.
func (f *PublisherFunction) Process(ctx context.Context, e GCSEvent) error {
	logCtx := f.logger.With(zap.String("gcsBucket", e.Bucket), zap.String("gcsObject", e.Name))
	logCtx.Info("Processing new GCS object.")

	data, err := f.readObject(ctx, e.Bucket, e.Name)
	if err != nil {
		logCtx.Error("Failed to download source document", zap.Error(err))
		return err
	}

	fileHash := calculateHash(data)
	logCtx = logCtx.With(zap.String("fileHash", fileHash))

	existingID, dup, err := f.store.FindByHash(ctx, fileHash)
	if err != nil {
		logCtx.Error("Failed to check for duplicate", zap.Error(err))
		return err
	}
	if dup {
		logCtx.Info("Duplicate file detected. Skipping.", zap.String("existingDocId", existingID))
		return nil
	}

	sessionID := f.orchestrator.NewSession()
	defer func() {
		if _, err := f.orchestrator.PruneSuperseded(context.WithoutCancel(ctx), sessionID); err != nil {
			logCtx.Warn("Failed to prune superseded renders", zap.Error(err))
		}
		_ = f.orchestrator.EndSession(sessionID)
	}()

	docID, err := f.store.Create(ctx, fileHash, e.Name, sessionID)
	if err != nil {
		logCtx.Error("Failed to create publication record", zap.Error(err))
		return err
	}
	logCtx = logCtx.With(zap.String("documentId", docID), zap.String("sessionId", sessionID))
	logCtx.Info("Created publication record in Firestore.")

	art, err := f.render(ctx, logCtx, docID, sessionID, models.RawFile{Filename: path.Base(e.Name), Data: data})
	if err != nil {
		return err
	}

	pdf, pageCount, err := f.fetchAndOptimize(ctx, art)
	if err != nil {
		return f.handleError(ctx, logCtx, docID, "failed to prepare rendered PDF", err)
	}
	art.PageCount = pageCount

	if err := f.store.UpdateStatus(ctx, docID, models.StatusArchiving); err != nil {
		return f.handleError(ctx, logCtx, docID, "failed to update status to ARCHIVING", err)
	}
	uri, err := f.archive.Store(ctx, docID, art.Filename, pdf)
	if err != nil {
		return f.handleError(ctx, logCtx, docID, "failed to archive PDF", err)
	}

	snap, err := f.orchestrator.Snapshot(sessionID)
	if err != nil {
		return f.handleError(ctx, logCtx, docID, "failed to read session", err)
	}
	notices := make([]string, 0, len(snap.FontNotices))
	for _, n := range snap.FontNotices {
		notices = append(notices, n.String())
		logCtx.Warn("Font substituted", zap.String("requested", n.Requested), zap.String("resolved", n.Resolved), zap.String("reason", n.Reason))
	}
	if err := f.store.MarkPublished(ctx, docID, *art, uri, notices, snap.Layout); err != nil {
		return f.handleError(ctx, logCtx, docID, "failed to update status to PUBLISHED", err)
	}

	args := models.PublishedWorkflowArgs{DocumentID: docID, PDFUri: uri, PageCount: art.PageCount}
	execution, err := f.trigger.Trigger(ctx, args)
	if err != nil {
		return f.handleError(ctx, logCtx, docID, "failed to trigger workflow execution", err)
	}

	logCtx.Info("Hand-off to workflow complete.", zap.String("pdfUri", uri), zap.String("execution", execution))
	return nil
}

// render runs the document through ingestion and a final render in its session.
func (f *PublisherFunction) render(ctx context.Context, logCtx *zap.Logger, docID, sessionID string, file models.RawFile) (*models.PDFArtifact, error) {
	upload, err := f.orchestrator.Upload(ctx, sessionID, file)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, docID, "failed to ingest document", err)
	}
	if _, err := upload.Wait(ctx); err != nil {
		return nil, f.handleError(ctx, logCtx, docID, "failed to ingest document", err)
	}

	if err := f.orchestrator.SetLayout(sessionID, f.config.Layout); err != nil {
		return nil, f.handleError(ctx, logCtx, docID, "failed to apply layout", err)
	}
	if err := f.store.UpdateStatus(ctx, docID, models.StatusRendering); err != nil {
		return nil, f.handleError(ctx, logCtx, docID, "failed to update status to RENDERING", err)
	}

	final, err := f.orchestrator.RequestFinal(ctx, sessionID, pdfName(file.Filename))
	if err != nil {
		return nil, f.handleError(ctx, logCtx, docID, "failed to start render", err)
	}
	art, err := final.Wait(ctx)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, docID, "failed to render PDF", err)
	}
	logCtx.Info("Document rendered.", zap.String("pdf", art.Filename), zap.Int("pageCount", art.PageCount))
	return art, nil
}

func (f *PublisherFunction) fetchAndOptimize(ctx context.Context, art *models.PDFArtifact) ([]byte, int, error) {
	if art.Filename == "" {
		return nil, 0, apperr.Newf(apperr.StageRender, apperr.CodeInvalidOutput, "final render has no filename")
	}
	raw, err := f.fetcher.DownloadPDF(ctx, art.Filename)
	if err != nil {
		return nil, 0, err
	}
	pdf, pages, err := f.optimize(raw)
	if err != nil {
		return nil, 0, apperr.New(apperr.StageRender, apperr.CodeInvalidOutput, err)
	}
	return pdf, pages, nil
}

func (f *PublisherFunction) handleError(ctx context.Context, logCtx *zap.Logger, docID, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	stage := string(apperr.StageOf(originalErr))
	if stage == "" {
		stage = "publish"
	}
	if errors.Is(originalErr, apperr.ErrValidation) {
		logCtx.Warn(message, zap.Error(originalErr))
	} else {
		logCtx.Error(message, zap.String("stage", stage), zap.Error(originalErr))
	}
	if err := f.store.MarkFailed(context.WithoutCancel(ctx), docID, stage, fullError); err != nil {
		logCtx.Error("CRITICAL: Failed to update Firestore status to FAILED after a processing error.", zap.NamedError("updateError", err))
	}
	return fmt.Errorf("%s: %w", message, originalErr)
}

// pdfName is the final render name for a source file: report.md becomes report.pdf.
func pdfName(source string) string {
	base := path.Base(source)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." || base == "/" {
		return pipeline.DefaultFilename()
	}
	return base + ".pdf"
}

func gcsReader(client *storage.Client, maxBytes int64) func(ctx context.Context, bucket, object string) ([]byte, error) {
	return func(ctx context.Context, bucket, object string) ([]byte, error) {
		r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", gcp.GSURI(bucket, object), err)
		}
		defer r.Close()
		data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read GCS object: %w", err)
		}
		return data, nil
	}
}

// optimizePDF validates and optimizes pdf with pdfcpu and returns its page count.
func optimizePDF(pdf []byte) ([]byte, int, error) {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	var out bytes.Buffer
	if err := api.Optimize(bytes.NewReader(pdf), &out, cfg); err != nil {
		return nil, 0, fmt.Errorf("failed to validate/optimize PDF: %w", err)
	}
	pages, err := api.PageCount(bytes.NewReader(out.Bytes()), cfg)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return out.Bytes(), pages, nil
}

func calculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
