package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/models"
)

type storedFile struct {
	typ  models.DocumentType
	data []byte
}

// Local ingests markdown and plain-text uploads in process. DOCX needs the
// conversion service and is reported as unsupported.
type Local struct {
	MaxBytes int64
	Logger   *zap.Logger

	mu    sync.RWMutex
	files map[string]storedFile
	now   func() time.Time
}

// NewLocal returns an in-process ingester with the default size cap.
func NewLocal(logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		MaxBytes: DefaultMaxBytes,
		Logger:   logger,
		files:    make(map[string]storedFile),
		now:      time.Now,
	}
}

// Ingest detects, canonicalises and stores f.
func (l *Local) Ingest(ctx context.Context, f models.RawFile) (models.Document, error) {
	if err := ctx.Err(); err != nil {
		return models.Document{}, apperr.New(apperr.StageIngest, apperr.CodeTimeout, err)
	}
	typ, err := Detect(f, l.MaxBytes)
	if err != nil {
		return models.Document{}, err
	}
	text, err := Canonicalize(typ, f.Data)
	if err != nil {
		return models.Document{}, err
	}

	id := uuid.NewString()
	l.mu.Lock()
	l.files[id] = storedFile{typ: typ, data: append([]byte(nil), f.Data...)}
	l.mu.Unlock()

	l.Logger.Info("Document ingested locally",
		zap.String("fileId", id),
		zap.String("filename", f.Filename),
		zap.String("fileType", string(typ)))

	return models.Document{
		FileID:     id,
		Filename:   f.Filename,
		FileType:   typ,
		Content:    text,
		Size:       int64(len(f.Data)),
		UploadedAt: l.now().UTC(),
	}, nil
}

// Convert re-derives canonical content for a stored file. Converting to markdown
// or to the file's own format yields the same content Ingest returned.
func (l *Local) Convert(ctx context.Context, fileID, targetFormat string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperr.New(apperr.StageIngest, apperr.CodeTimeout, err)
	}
	l.mu.RLock()
	file, ok := l.files[fileID]
	l.mu.RUnlock()
	if !ok {
		return "", apperr.Newf(apperr.StageIngest, apperr.CodeNotFound, "file %s not found", fileID)
	}

	target, err := TypeForTarget(targetFormat)
	if err != nil {
		return "", err
	}
	if target != models.DocumentMarkdown && target != file.typ {
		return "", apperr.New(apperr.StageIngest, apperr.CodeUnsupported,
			fmt.Errorf("cannot convert %s to %s", file.typ, target))
	}
	return Canonicalize(file.typ, file.data)
}

// Delete forgets a stored file.
func (l *Local) Delete(ctx context.Context, fileID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.files[fileID]; !ok {
		return apperr.Newf(apperr.StageIngest, apperr.CodeNotFound, "file %s not found", fileID)
	}
	delete(l.files, fileID)
	return nil
}
