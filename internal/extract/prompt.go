package extract

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// FieldSpec describes one field the model must extract.
type FieldSpec struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// PromptTemplate holds the building blocks of the extraction instruction.
// Placeholders: {ocr_text} in OCRText, {readable_name} and {description} in
// FieldFormat, {animal_information} in AnimalContext.
type PromptTemplate struct {
	Header          string `json:"header"`
	HeaderWithImage string `json:"header_with_image"`
	OCRText         string `json:"ocr_text"`
	FieldFormat     string `json:"field_format"`
	AnimalContext   string `json:"animal_context"`
	Footer          string `json:"footer"`
}

// PromptConfig is the externally supplied extraction schema and template,
// loaded from a JSON config file.
type PromptConfig struct {
	PromptTemplate   PromptTemplate       `json:"prompt_template"`
	ExtractionFields map[string]FieldSpec `json:"extraction_fields"`
}

// LoadPromptConfig reads and validates the extraction config file.
func LoadPromptConfig(path string) (*PromptConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read extraction config: %w", err)
	}
	var cfg PromptConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse extraction config %s: %w", path, err)
	}
	if len(cfg.ExtractionFields) == 0 {
		return nil, fmt.Errorf("extraction config %s defines no extraction fields", path)
	}
	if cfg.PromptTemplate.Header == "" || cfg.PromptTemplate.FieldFormat == "" {
		return nil, fmt.Errorf("extraction config %s is missing prompt template sections", path)
	}
	return &cfg, nil
}

// PromptOptions selects which context the instruction embeds.
type PromptOptions struct {
	UseOCR    bool
	UseVision bool
	OCRText   string
	Animals   []string
}

// BuildPrompt assembles the final instruction: header, field list in stable
// name order, optional contextual entities, and the rules footer.
func (c *PromptConfig) BuildPrompt(opts PromptOptions) string {
	header := c.PromptTemplate.Header
	if opts.UseVision && c.PromptTemplate.HeaderWithImage != "" {
		header = c.PromptTemplate.HeaderWithImage
	}
	if opts.UseOCR && c.PromptTemplate.OCRText != "" {
		ocr := strings.ReplaceAll(c.PromptTemplate.OCRText, "{ocr_text}", opts.OCRText)
		header = header + "\n\n" + ocr
	}

	names := make([]string, 0, len(c.ExtractionFields))
	for name := range c.ExtractionFields {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		line := strings.ReplaceAll(c.PromptTemplate.FieldFormat, "{readable_name}", name)
		line = strings.ReplaceAll(line, "{description}", c.ExtractionFields[name].Description)
		lines = append(lines, line)
	}
	body := strings.Join(lines, "\n")

	sections := []string{header, body}
	if len(opts.Animals) > 0 && c.PromptTemplate.AnimalContext != "" {
		animals := strings.ReplaceAll(c.PromptTemplate.AnimalContext,
			"{animal_information}", strings.Join(opts.Animals, "; "))
		sections = append(sections, animals)
	}
	if c.PromptTemplate.Footer != "" {
		sections = append(sections, c.PromptTemplate.Footer)
	}
	return strings.Join(sections, "\n\n")
}
