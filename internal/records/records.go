// Package records persists one Firestore document per processing run:
// file identity, lifecycle status, and the final result location. The file
// hash doubles as a duplicate guard so re-uploads of an already processed
// scan are skipped instead of reprocessed.
package records

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/models"
)

// Store wraps the run-record collection.
type Store struct {
	client     *firestore.Client
	collection string
}

// New creates the Firestore client for the given project.
func New(ctx context.Context, projectID, collection string) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return &Store{client: client, collection: collection}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// CalculateFileHash returns the hex sha256 digest of a local file's content.
func CalculateFileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FindByHash returns the record ID of an earlier run for the same content,
// or "" if the file has not been seen.
func (s *Store) FindByHash(ctx context.Context, fileHash string) (string, error) {
	docs, err := s.client.Collection(s.collection).Where("fileHash", "==", fileHash).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return "", fmt.Errorf("failed to query for duplicates: %w", err)
	}
	if len(docs) > 0 {
		slog.Info("Duplicate file detected.", "fileHash", fileHash, "recordId", docs[0].Ref.ID)
		return docs[0].Ref.ID, nil
	}
	return "", nil
}

// Get fetches one run record by ID.
func (s *Store) Get(ctx context.Context, recordID string) (*models.RunRecord, error) {
	snap, err := s.client.Collection(s.collection).Doc(recordID).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run record %s: %w", recordID, err)
	}
	var rec models.RunRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode run record %s: %w", recordID, err)
	}
	return &rec, nil
}

// Create registers a new run and returns its record ID.
func (s *Store) Create(ctx context.Context, fileHash, originalFilename string) (string, error) {
	rec := models.RunRecord{
		FileHash:         fileHash,
		OriginalFilename: originalFilename,
		Status:           "CREATED",
		CreatedAt:        time.Now(),
	}
	docRef, _, err := s.client.Collection(s.collection).Add(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("failed to create run record: %w", err)
	}
	return docRef.ID, nil
}

// UpdateStatus records a stage transition. Failures are logged, not
// returned; the record is advisory and must never fail the run.
func (s *Store) UpdateStatus(ctx context.Context, runID, status, errDetails string) {
	updates := []firestore.Update{
		{Path: "status", Value: status},
	}
	if errDetails != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: errDetails})
	}
	if _, err := s.client.Collection(s.collection).Doc(runID).Update(ctx, updates); err != nil {
		slog.Error("Failed to update run record status.", "recordId", runID, "status", status, "error", err)
	}
}

// SetOutcome records the run's final shape once the pipeline completes.
func (s *Store) SetOutcome(ctx context.Context, runID string, pageCount, subdocumentCount int, resultKey string) error {
	updates := []firestore.Update{
		{Path: "pageCount", Value: pageCount},
		{Path: "subdocumentCount", Value: subdocumentCount},
		{Path: "resultKey", Value: resultKey},
	}
	if _, err := s.client.Collection(s.collection).Doc(runID).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to record run outcome: %w", err)
	}
	return nil
}
