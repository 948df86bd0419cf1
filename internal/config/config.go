// Package config loads runtime configuration from the environment. A .env
// file is honored in local development; deployed environments inject real
// variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Storage backend selectors.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
)

// Text engine selectors.
const (
	EngineGemini = "gemini"
	EngineNative = "native"
)

// Queue backend selectors.
const (
	QueueMemory    = "memory"
	QueueRedis     = "redis"
	QueueWorkflows = "workflows"
)

// Config is the full runtime configuration shared by all entry points.
type Config struct {
	// Storage
	StorageBackend string // "local" or "gcs"
	LocalBaseDir   string // base dir for the local backend
	UploadsPrefix  string // where uploaded source files are stored
	OutputPrefix   string // where artifacts and results are stored

	// Analysis and transcription (Vertex AI)
	ProjectID        string
	VertexAIRegion   string
	TranscriberModel string
	AnalyzerModel    string

	// Structured extraction (OpenAI-compatible)
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	ExtractionModel  string
	VisionModel      string
	ExtractionConfig string // path to the extraction config JSON
	UseOCR           bool
	UseVision        bool

	// Text engine
	TextEngine string // "gemini" or "native"

	// Jobs
	QueueBackend     string // "memory", "redis" or "workflows"
	RedisAddr        string
	WorkflowLocation string
	WorkflowID       string
	Workers          int

	// Records
	FirestoreCollection string // empty disables run records

	// HTTP surface
	ListenAddr string
	APIKey     string // empty disables request authentication
}

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("Ignoring non-boolean environment value.", "key", key, "value", raw)
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring non-integer environment value.", "key", key, "value", raw)
		return fallback
	}
	return v
}

// Load reads the environment into a validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not load .env file.", "error", err)
	}

	cfg := &Config{
		StorageBackend: GetEnv("STORAGE_BACKEND", BackendLocal),
		LocalBaseDir:   GetEnv("LOCAL_BASE_DIR", "data"),
		UploadsPrefix:  GetEnv("UPLOADS_PREFIX", "uploads"),
		OutputPrefix:   GetEnv("OUTPUT_PREFIX", "temp"),

		ProjectID:        GetEnv("PROJECT_ID", ""),
		VertexAIRegion:   GetEnv("VERTEX_AI_REGION", "us-central1"),
		TranscriberModel: GetEnv("TRANSCRIBER_MODEL", "gemini-2.0-flash"),
		AnalyzerModel:    GetEnv("ANALYZER_MODEL", "gemini-2.0-flash"),

		OpenAIAPIKey:     GetEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    GetEnv("OPENAI_BASE_URL", ""),
		ExtractionModel:  GetEnv("EXTRACTION_MODEL", "gpt-4o"),
		VisionModel:      GetEnv("VISION_MODEL", "gpt-4o"),
		ExtractionConfig: GetEnv("EXTRACTION_CONFIG", "configs/extraction_config.json"),
		UseOCR:           getEnvBool("USE_OCR", true),
		UseVision:        getEnvBool("USE_VISION", true),

		TextEngine: GetEnv("TEXT_ENGINE", EngineGemini),

		QueueBackend:     GetEnv("QUEUE_BACKEND", QueueMemory),
		RedisAddr:        GetEnv("REDIS_ADDR", "localhost:6379"),
		WorkflowLocation: GetEnv("WORKFLOW_LOCATION", "us-central1"),
		WorkflowID:       GetEnv("WORKFLOW_ID", "invoice-processing"),
		Workers:          getEnvInt("WORKERS", 2),

		FirestoreCollection: GetEnv("FIRESTORE_COLLECTION", ""),

		ListenAddr: GetEnv("LISTEN_ADDR", ":8080"),
		APIKey:     GetEnv("API_KEY", ""),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case BackendLocal, BackendGCS:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendLocal, BackendGCS, c.StorageBackend)
	}
	switch c.TextEngine {
	case EngineGemini, EngineNative:
	default:
		return fmt.Errorf("TEXT_ENGINE must be %q or %q, got %q", EngineGemini, EngineNative, c.TextEngine)
	}
	switch c.QueueBackend {
	case QueueMemory, QueueRedis, QueueWorkflows:
	default:
		return fmt.Errorf("QUEUE_BACKEND must be one of %q, %q, %q, got %q", QueueMemory, QueueRedis, QueueWorkflows, c.QueueBackend)
	}

	// Prefix schemes must match the backend: gs:// keys make no sense on the
	// local backend and bare keys on GCS would land in no bucket.
	for _, prefix := range []string{c.UploadsPrefix, c.OutputPrefix} {
		isGCS := strings.HasPrefix(prefix, "gs://")
		if c.StorageBackend == BackendGCS && !isGCS {
			return fmt.Errorf("prefix %q must use a gs:// URI when STORAGE_BACKEND=gcs", prefix)
		}
		if c.StorageBackend == BackendLocal && isGCS {
			return fmt.Errorf("prefix %q must not use a gs:// URI when STORAGE_BACKEND=local", prefix)
		}
	}

	if c.StorageBackend == BackendGCS || c.TextEngine == EngineGemini || c.FirestoreCollection != "" || c.QueueBackend == QueueWorkflows {
		if c.ProjectID == "" {
			return fmt.Errorf("PROJECT_ID must be set when GCP services are enabled")
		}
	}
	if c.QueueBackend == QueueRedis && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR must be set when QUEUE_BACKEND=redis")
	}
	return nil
}
