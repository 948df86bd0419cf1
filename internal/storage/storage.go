// Package storage provides a uniform content-addressed store over either the
// local filesystem or Google Cloud Storage. Every other component addresses
// content by an opaque Key and never cares where the bytes live.
package storage

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
)

// Key identifies a piece of content at rest. A key starting with "gs://"
// refers to an object in GCS; anything else is a path resolved by the local
// backend. Keys are immutable once handed out.
type Key string

const gcsScheme = "gs://"

// IsGCS reports whether the key addresses a GCS object.
func (k Key) IsGCS() bool {
	return strings.HasPrefix(string(k), gcsScheme)
}

// Base returns the final path element of the key.
func (k Key) Base() string {
	s := strings.TrimSuffix(string(k), "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ParseGCSKey splits a gs://bucket/object key into bucket and object name.
func ParseGCSKey(k Key) (bucket, object string, err error) {
	if !k.IsGCS() {
		return "", "", fmt.Errorf("not a gs:// key: %q", k)
	}
	rest := strings.TrimPrefix(string(k), gcsScheme)
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid gs:// key: %q", k)
	}
	return bucket, object, nil
}

// Backend is the storage contract consumed by the pipeline. Implementations
// must create intermediate directories or object prefixes implicitly on
// write, and treat deleting a missing key as a no-op.
type Backend interface {
	Read(ctx context.Context, key Key) ([]byte, error)
	WriteBytes(ctx context.Context, key Key, data []byte, contentType string) error
	WriteText(ctx context.Context, key Key, text string) error
	Delete(ctx context.Context, key Key) error
	Exists(ctx context.Context, key Key) (bool, error)

	// MaterializeToLocal guarantees the content is reachable as a local file
	// and returns that path. For local keys this is the resolved path itself;
	// for remote keys a copy is downloaded into a private scratch area. The
	// returned path is only valid for the lifetime of this backend instance.
	MaterializeToLocal(ctx context.Context, key Key, suffix string) (string, error)
}

// ConditionalWriter is implemented by backends that can create an object
// atomically. WriteIfAbsent reports false when the key already existed, in
// which case nothing was written.
type ConditionalWriter interface {
	WriteIfAbsent(ctx context.Context, key Key, data []byte, contentType string) (bool, error)
}

// Error wraps any backend failure together with the offending key. Callers
// decide retry policy; the backend itself reports and steps aside.
type Error struct {
	Key Key
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op string, key Key, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Key: key, Op: op, Err: err}
}

func hashKey(k Key) []byte {
	sum := sha256.Sum256([]byte(k))
	return sum[:8]
}
