// The ingest-fn binary is a Cloud Function triggered by GCS object
// finalization: dropping a scan into the watched bucket processes it
// without going through the HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/config"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/services"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/storage"
)

// GCSEvent is the payload of a google.cloud.storage.object.v1.finalized
// event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

var (
	processorInstance *services.Processor
	once              sync.Once
	initErr           error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("ProcessUploadedScan", processUploadedScan)
}

// main is required by the Go Functions Framework.
func main() {}

func processUploadedScan(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		var cfg *config.Config
		cfg, initErr = config.Load()
		if initErr != nil {
			return
		}
		processorInstance, initErr = services.NewProcessor(context.Background(), cfg)
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	if !strings.HasSuffix(strings.ToLower(gcsEvent.Name), ".pdf") {
		slog.Info("Ignoring non-PDF object.", "bucket", gcsEvent.Bucket, "name", gcsEvent.Name)
		return nil
	}

	key := storage.Key(fmt.Sprintf("gs://%s/%s", gcsEvent.Bucket, gcsEvent.Name))
	claimed, err := processorInstance.ClaimIngest(ctx, key)
	if err != nil {
		return err
	}
	if !claimed {
		slog.Info("Object already claimed by an earlier delivery. Skipping.", "key", key)
		return nil
	}
	if _, err := processorInstance.ProcessKey(ctx, key); err != nil {
		// Give the claim back so the platform's redelivery can retry the
		// object instead of being acked against a stale marker.
		processorInstance.ReleaseIngest(ctx, key)
		return err
	}
	return nil
}
