package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORAGE_BACKEND", BackendLocal)
	t.Setenv("TEXT_ENGINE", EngineNative)
	t.Setenv("QUEUE_BACKEND", QueueMemory)
	t.Setenv("PROJECT_ID", "test-project")
	t.Setenv("UPLOADS_PREFIX", "uploads")
	t.Setenv("OUTPUT_PREFIX", "temp")
	t.Setenv("FIRESTORE_COLLECTION", "")
}

func TestLoadDefaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendLocal, cfg.StorageBackend)
	assert.Equal(t, "uploads", cfg.UploadsPrefix)
	assert.Equal(t, "temp", cfg.OutputPrefix)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.True(t, cfg.UseOCR)
	assert.True(t, cfg.UseVision)
	assert.Equal(t, 2, cfg.Workers)
}

func TestLoadRejectsUnknownSelectors(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("STORAGE_BACKEND", "s3")
	_, err := Load()
	assert.Error(t, err)

	setMinimalEnv(t)
	t.Setenv("TEXT_ENGINE", "tesseract")
	_, err = Load()
	assert.Error(t, err)

	setMinimalEnv(t)
	t.Setenv("QUEUE_BACKEND", "kafka")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadPrefixSchemeMustMatchBackend(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("OUTPUT_PREFIX", "gs://bucket/out")
	_, err := Load()
	assert.Error(t, err, "gs:// prefix on the local backend must be rejected")

	setMinimalEnv(t)
	t.Setenv("STORAGE_BACKEND", BackendGCS)
	t.Setenv("UPLOADS_PREFIX", "gs://bucket/uploads")
	t.Setenv("OUTPUT_PREFIX", "temp")
	_, err = Load()
	assert.Error(t, err, "bare prefix on the GCS backend must be rejected")

	setMinimalEnv(t)
	t.Setenv("STORAGE_BACKEND", BackendGCS)
	t.Setenv("UPLOADS_PREFIX", "gs://bucket/uploads")
	t.Setenv("OUTPUT_PREFIX", "gs://bucket/temp")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendGCS, cfg.StorageBackend)
}

func TestLoadRequiresProjectForGCP(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("PROJECT_ID", "")
	t.Setenv("TEXT_ENGINE", EngineGemini)
	_, err := Load()
	assert.Error(t, err)

	setMinimalEnv(t)
	t.Setenv("PROJECT_ID", "")
	t.Setenv("FIRESTORE_COLLECTION", "runs")
	_, err = Load()
	assert.Error(t, err)

	// The workflows queue addresses executions by project, so a local
	// storage setup still needs one.
	setMinimalEnv(t)
	t.Setenv("PROJECT_ID", "")
	t.Setenv("QUEUE_BACKEND", QueueWorkflows)
	_, err = Load()
	assert.Error(t, err)

	setMinimalEnv(t)
	t.Setenv("PROJECT_ID", "demo-project")
	t.Setenv("QUEUE_BACKEND", QueueWorkflows)
	_, err = Load()
	assert.NoError(t, err)

	// Pure-local setup needs no project at all.
	setMinimalEnv(t)
	t.Setenv("PROJECT_ID", "")
	_, err = Load()
	assert.NoError(t, err)
}

func TestGetEnvFallback(t *testing.T) {
	t.Setenv("SOME_SET_KEY", "value")
	assert.Equal(t, "value", GetEnv("SOME_SET_KEY", "fallback"))
	assert.Equal(t, "fallback", GetEnv("SOME_UNSET_KEY_12345", "fallback"))

	t.Setenv("SOME_SET_KEY", "")
	assert.Equal(t, "", GetEnv("SOME_SET_KEY", "fallback"), "empty but set wins over fallback")
}

func TestBoolAndIntParsing(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("USE_VISION", "false")
	t.Setenv("WORKERS", "8")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.UseVision)
	assert.Equal(t, 8, cfg.Workers)

	t.Setenv("USE_VISION", "maybe")
	t.Setenv("WORKERS", "lots")
	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.UseVision, "unparseable bool falls back to default")
	assert.Equal(t, 2, cfg.Workers, "unparseable int falls back to default")
}
