// Package extract turns one sub-document (concatenated page image plus
// markdown text) into a structured record using a vision-capable chat model.
package extract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ConfigError reports a capability that was requested but not configured.
// It is raised before any external call is made.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "extractor misconfigured: " + e.Reason }

// Error reports that a single sub-document's extraction failed. Siblings are
// unaffected; the pipeline records the failure in the slot.
type Error struct {
	DocumentNumber int
	Err            error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extraction failed for subdocument %d: %v", e.DocumentNumber, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Extractor owns the chat client and the extraction schema config.
type Extractor struct {
	client      openai.Client
	model       string
	visionModel string
	cfg         *PromptConfig
}

// Options configures the extractor.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string // text-only fallback model
	VisionModel string // vision-capable model; required for image-assisted mode
	Config      *PromptConfig
}

// New creates an Extractor. The prompt config must already be loaded.
func New(opts Options) (*Extractor, error) {
	if opts.APIKey == "" {
		return nil, &ConfigError{Reason: "API key is required"}
	}
	if opts.Config == nil {
		return nil, &ConfigError{Reason: "extraction config is required"}
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Extractor{
		client:      openai.NewClient(clientOpts...),
		model:       opts.Model,
		visionModel: opts.VisionModel,
		cfg:         opts.Config,
	}, nil
}

// Request is one sub-document extraction call.
type Request struct {
	DocumentNumber int
	ImagePath      string // local path of the concatenated page image
	Markdown       string
	Animals        []string
	UseOCR         bool
	UseVision      bool
}

// Result carries the parsed record plus per-call token accounting.
type Result struct {
	Fields           map[string]any
	Warnings         []string
	PromptTokens     int64
	CompletionTokens int64
}

// Validate fails fast on requests the configured models cannot serve.
func (e *Extractor) Validate(req Request) error {
	if req.UseOCR && req.Markdown == "" {
		return &ConfigError{Reason: "text-assisted mode requested but markdown text is empty"}
	}
	if req.UseVision && e.visionModel == "" {
		return &ConfigError{Reason: "image-assisted mode requested but no vision model configured"}
	}
	if !req.UseVision && e.model == "" {
		return &ConfigError{Reason: "no text model configured"}
	}
	return nil
}

// Extract runs one structured-extraction call and parses the JSON answer.
func (e *Extractor) Extract(ctx context.Context, req Request) (*Result, error) {
	if err := e.Validate(req); err != nil {
		return nil, err
	}

	prompt := e.cfg.BuildPrompt(PromptOptions{
		UseOCR:    req.UseOCR,
		UseVision: req.UseVision,
		OCRText:   req.Markdown,
		Animals:   req.Animals,
	})

	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(prompt),
	}
	model := e.model
	if req.UseVision {
		model = e.visionModel
		dataURL, err := encodeImageDataURL(req.ImagePath)
		if err != nil {
			return nil, &Error{DocumentNumber: req.DocumentNumber, Err: err}
		}
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL:    dataURL,
			Detail: "auto",
		}))
	}

	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(parts),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return nil, &Error{DocumentNumber: req.DocumentNumber, Err: fmt.Errorf("chat completion failed: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{DocumentNumber: req.DocumentNumber, Err: fmt.Errorf("no response choices returned")}
	}

	usage := resp.Usage
	slog.Debug("Extraction call token usage.",
		"documentNumber", req.DocumentNumber,
		"model", model,
		"promptTokens", usage.PromptTokens,
		"completionTokens", usage.CompletionTokens,
	)

	fields, warnings, err := ParseRecord(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, &Error{DocumentNumber: req.DocumentNumber, Err: err}
	}
	return &Result{
		Fields:           fields,
		Warnings:         warnings,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}, nil
}

// ParseRecord strips any code fence from the model's raw text and parses it
// as a JSON object. A "warnings" key, if present, is lifted out of the
// field map.
func ParseRecord(raw string) (map[string]any, []string, error) {
	cleaned := stripFences(raw)
	var fields map[string]any
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, nil, fmt.Errorf("response is not a JSON object: %w", err)
	}

	var warnings []string
	if w, ok := fields["warnings"]; ok {
		if list, ok := w.([]any); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					warnings = append(warnings, s)
				}
			}
		}
		delete(fields, "warnings")
	}
	return fields, warnings, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func encodeImageDataURL(imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to read image %s: %w", imagePath, err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}
