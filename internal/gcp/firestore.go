package gcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/publishflow/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// PublicationStore keeps one Firestore document per publication run.
type PublicationStore struct {
	client     *firestore.Client
	collection string
}

// NewPublicationStore uses collection of client.
func NewPublicationStore(client *firestore.Client, collection string) *PublicationStore {
	return &PublicationStore{client: client, collection: collection}
}

// FindByHash returns the ID of an earlier run over identical bytes, if any.
// Failed runs do not count, so a redelivered object is processed again.
func (s *PublicationStore) FindByHash(ctx context.Context, fileHash string) (string, bool, error) {
	iter := s.client.Collection(s.collection).Where("fileHash", "==", fileHash).Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to query for duplicates: %w", err)
		}
		status, _ := doc.Data()["status"].(string)
		if blocksRerun(status) {
			return doc.Ref.ID, true, nil
		}
	}
}

// blocksRerun reports whether a record in status makes new bytes a duplicate.
func blocksRerun(status string) bool {
	return status != models.StatusFailed
}

// Create adds a RECEIVED record and returns its document ID.
func (s *PublicationStore) Create(ctx context.Context, fileHash, filename, sessionID string) (string, error) {
	rec := models.PublicationRecord{
		FileHash:         fileHash,
		OriginalFilename: filename,
		SessionID:        sessionID,
		Status:           models.StatusReceived,
		CreatedAt:        time.Now(),
	}
	ref, _, err := s.client.Collection(s.collection).Add(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("failed to create publication record: %w", err)
	}
	return ref.ID, nil
}

// UpdateStatus moves a record to status, optionally merging extra fields.
func (s *PublicationStore) UpdateStatus(ctx context.Context, id, status string, extra ...firestore.Update) error {
	updates := append([]firestore.Update{{Path: "status", Value: status}}, extra...)
	if _, err := s.client.Collection(s.collection).Doc(id).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update status to %s: %w", status, err)
	}
	return nil
}

// MarkFailed records the failing stage and error text.
func (s *PublicationStore) MarkFailed(ctx context.Context, id, stage, details string) error {
	return s.UpdateStatus(ctx, id, models.StatusFailed,
		firestore.Update{Path: "errorStage", Value: stage},
		firestore.Update{Path: "errorDetails", Value: details},
	)
}

// MarkPublished records where the PDF was archived.
func (s *PublicationStore) MarkPublished(ctx context.Context, id string, pdf models.PDFArtifact, uri string, notices []string, cfg models.LayoutConfig) error {
	updates := []firestore.Update{
		{Path: "pdfUri", Value: uri},
		{Path: "pageCount", Value: pdf.PageCount},
		{Path: "layout", Value: cfg},
	}
	if len(notices) > 0 {
		updates = append(updates, firestore.Update{Path: "fontNotices", Value: notices})
	}
	return s.UpdateStatus(ctx, id, models.StatusPublished, updates...)
}
