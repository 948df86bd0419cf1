package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/storage"
)

// ingestMarker is the claim object guarding one storage key against
// duplicate event deliveries.
func ingestMarker(key storage.Key) storage.Key {
	return storage.Key(string(key) + ".processing")
}

// ClaimIngest marks a storage key as being processed by this deployment.
// Event delivery is at-least-once; the atomic marker write makes sure only
// one delivery processes the object at a time. Backends without conditional
// writes always grant the claim. A claim taken for a run that fails must be
// released with ReleaseIngest, otherwise redeliveries would be acked without
// the object ever being processed.
func ClaimIngest(ctx context.Context, store storage.Backend, key storage.Key) (bool, error) {
	cw, ok := store.(storage.ConditionalWriter)
	if !ok {
		return true, nil
	}
	return cw.WriteIfAbsent(ctx, ingestMarker(key), []byte(time.Now().UTC().Format(time.RFC3339)), "text/plain; charset=utf-8")
}

// ReleaseIngest removes the claim marker so a later delivery can retry the
// object. Best effort: a failed delete only costs the retry, so it is
// logged, not returned.
func ReleaseIngest(ctx context.Context, store storage.Backend, key storage.Key) {
	if err := store.Delete(ctx, ingestMarker(key)); err != nil {
		slog.Warn("Failed to release ingest claim.", "key", key, "error", err)
	}
}
