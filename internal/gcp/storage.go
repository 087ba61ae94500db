package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvDuration reads a Go duration string such as "90s". Unset or malformed
// values return fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(GetEnv(key, "")); err == nil && d > 0 {
		return d
	}
	return fallback
}

// GetEnvInt reads a positive integer, returning fallback when unset or malformed.
func GetEnvInt(key string, fallback int) int {
	if n, err := strconv.Atoi(GetEnv(key, "")); err == nil && n > 0 {
		return n
	}
	return fallback
}

// isPreconditionFailed reports whether err is GCS refusing a DoesNotExist write.
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is not a failure: publication runs are idempotent.
func SaveToGCSAtomically(ctx context.Context, logger *zap.Logger, bucket *storage.BucketHandle, objectName, contentType string, content []byte) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			logger.Info("Object already exists, skipping write", zap.String("object", objectName))
			return nil
		}
		logger.Error("Failed to copy content to GCS object", zap.String("object", objectName), zap.Error(err))
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			logger.Info("Object already exists, skipping write", zap.String("object", objectName))
			return nil
		}
		logger.Error("Failed to close GCS writer", zap.String("object", objectName), zap.Error(err))
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

// ArtifactArchive stores published PDFs under <documentID>/<filename>.
type ArtifactArchive struct {
	bucket     *storage.BucketHandle
	bucketName string
	logger     *zap.Logger
}

// NewArtifactArchive wraps bucketName of client.
func NewArtifactArchive(client *storage.Client, bucketName string, logger *zap.Logger) *ArtifactArchive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactArchive{
		bucket:     client.Bucket(bucketName),
		bucketName: bucketName,
		logger:     logger.With(zap.String("bucket", bucketName)),
	}
}

// ObjectName is where a document's PDF is archived.
func ObjectName(documentID, filename string) string {
	return documentID + "/" + path.Base(filename)
}

// GSURI formats a gs:// URI.
func GSURI(bucket, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, object)
}

// Store archives a PDF and returns its gs:// URI. Transient write failures are
// retried with exponential backoff.
func (a *ArtifactArchive) Store(ctx context.Context, documentID, filename string, pdf []byte) (string, error) {
	const maxRetries = 4
	object := ObjectName(documentID, filename)
	backoff := time.Second
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := func() error {
			writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
			defer cancel()
			return SaveToGCSAtomically(writeCtx, a.logger, a.bucket, object, "application/pdf", pdf)
		}()
		if err == nil {
			return GSURI(a.bucketName, object), nil
		}

		lastErr = err
		a.logger.Warn("Upload failed, will retry.",
			zap.String("object", object),
			zap.Int("attempt", i+1),
			zap.Int("maxRetries", maxRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("upload for %s failed after all retries: %w", object, lastErr)
}
