package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCS stores content as objects under gs://bucket/... keys. Materialized
// copies land in a private scratch directory shared by all runs on this
// backend instance; scratch names are derived from the object path so
// concurrent materializations of distinct keys cannot collide.
type GCS struct {
	client     *gcs.Client
	scratchDir string
}

// NewGCS creates a GCS backend with its own scratch area.
func NewGCS(ctx context.Context) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	scratch, err := os.MkdirTemp("", "vetcostcheck-gcs-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return &GCS{client: client, scratchDir: scratch}, nil
}

func (g *GCS) object(key Key) (*gcs.ObjectHandle, error) {
	bucket, name, err := ParseGCSKey(key)
	if err != nil {
		return nil, err
	}
	return g.client.Bucket(bucket).Object(name), nil
}

func (g *GCS) Read(ctx context.Context, key Key) ([]byte, error) {
	obj, err := g.object(key)
	if err != nil {
		return nil, wrapErr("read", key, err)
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, wrapErr("read", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	return data, wrapErr("read", key, err)
}

func (g *GCS) WriteBytes(ctx context.Context, key Key, data []byte, contentType string) error {
	const maxRetries = 4
	backoff := 1 * time.Second
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := g.writeOnce(ctx, key, data, contentType)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("GCS write failed, will retry.",
			"key", key,
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return wrapErr("write", key, ctx.Err())
		}
	}
	return wrapErr("write", key, lastErr)
}

func (g *GCS) writeOnce(ctx context.Context, key Key, data []byte, contentType string) error {
	obj, err := g.object(key)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
	defer cancel()

	w := obj.NewWriter(writeCtx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("io.Copy to GCS failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

// WriteIfAbsent creates the object only if it does not already exist. A 412
// precondition failure means another writer got there first.
func (g *GCS) WriteIfAbsent(ctx context.Context, key Key, data []byte, contentType string) (bool, error) {
	obj, err := g.object(key)
	if err != nil {
		return false, wrapErr("write", key, err)
	}
	w := obj.If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 412 {
			slog.Info("SKIPPING: Object already exists.", "key", key)
			return false, nil
		}
		return false, wrapErr("write", key, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 412 {
			slog.Info("SKIPPING: Object already exists.", "key", key)
			return false, nil
		}
		return false, wrapErr("write", key, err)
	}
	return true, nil
}

func (g *GCS) WriteText(ctx context.Context, key Key, text string) error {
	return g.WriteBytes(ctx, key, []byte(text), "text/plain; charset=utf-8")
}

func (g *GCS) Delete(ctx context.Context, key Key) error {
	obj, err := g.object(key)
	if err != nil {
		return wrapErr("delete", key, err)
	}
	err = obj.Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return wrapErr("delete", key, err)
}

func (g *GCS) Exists(ctx context.Context, key Key) (bool, error) {
	obj, err := g.object(key)
	if err != nil {
		return false, wrapErr("stat", key, err)
	}
	_, err = obj.Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	return false, wrapErr("stat", key, err)
}

func (g *GCS) MaterializeToLocal(ctx context.Context, key Key, suffix string) (string, error) {
	obj, err := g.object(key)
	if err != nil {
		return "", wrapErr("materialize", key, err)
	}

	name := key.Base()
	if suffix != "" && filepath.Ext(name) != suffix {
		name += suffix
	}
	// Namespace by a hash of the full key so equal basenames from different
	// buckets or prefixes cannot collide in the shared scratch area.
	localPath := filepath.Join(g.scratchDir, fmt.Sprintf("%x", hashKey(key)), name)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", wrapErr("materialize", key, err)
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		return "", wrapErr("materialize", key, err)
	}
	defer r.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return "", wrapErr("materialize", key, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", wrapErr("materialize", key, err)
	}
	return localPath, nil
}

// PurgeScratch removes every materialized copy. Safe to call at shutdown.
func (g *GCS) PurgeScratch() {
	if g.scratchDir != "" {
		_ = os.RemoveAll(g.scratchDir)
	}
}

// Close releases the underlying client and the scratch area.
func (g *GCS) Close() error {
	g.PurgeScratch()
	return g.client.Close()
}
