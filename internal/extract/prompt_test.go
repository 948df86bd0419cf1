package extract

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *PromptConfig {
	return &PromptConfig{
		PromptTemplate: PromptTemplate{
			Header:          "Extract the following fields from the invoice text.",
			HeaderWithImage: "Extract the following fields from the attached invoice image.",
			OCRText:         "Transcribed text:\n{ocr_text}",
			FieldFormat:     "- {readable_name}: {description}",
			AnimalContext:   "Animals treated: {animal_information}",
			Footer:          "Return a single JSON object.",
		},
		ExtractionFields: map[string]FieldSpec{
			"total_amount":   {Type: "number", Description: "gross total"},
			"invoice_number": {Type: "string", Description: "the invoice identifier"},
			"currency":       {Type: "string", Description: "ISO 4217 code"},
		},
	}
}

func TestBuildPromptFieldOrderStable(t *testing.T) {
	cfg := testConfig()
	prompt := cfg.BuildPrompt(PromptOptions{})

	// Fields appear sorted by name so the prompt is byte-stable across runs.
	iCur := strings.Index(prompt, "- currency:")
	iNum := strings.Index(prompt, "- invoice_number:")
	iTot := strings.Index(prompt, "- total_amount:")
	require.True(t, iCur >= 0 && iNum >= 0 && iTot >= 0)
	assert.Less(t, iCur, iNum)
	assert.Less(t, iNum, iTot)
}

func TestBuildPromptVisionHeader(t *testing.T) {
	cfg := testConfig()
	assert.True(t, strings.HasPrefix(cfg.BuildPrompt(PromptOptions{UseVision: true}),
		"Extract the following fields from the attached invoice image."))
	assert.True(t, strings.HasPrefix(cfg.BuildPrompt(PromptOptions{}),
		"Extract the following fields from the invoice text."))
}

func TestBuildPromptEmbedsOCRText(t *testing.T) {
	cfg := testConfig()
	prompt := cfg.BuildPrompt(PromptOptions{UseOCR: true, OCRText: "# Invoice 42"})
	assert.Contains(t, prompt, "Transcribed text:\n# Invoice 42")

	prompt = cfg.BuildPrompt(PromptOptions{UseOCR: false, OCRText: "# Invoice 42"})
	assert.NotContains(t, prompt, "# Invoice 42")
}

func TestBuildPromptAnimalContext(t *testing.T) {
	cfg := testConfig()
	prompt := cfg.BuildPrompt(PromptOptions{Animals: []string{"Bella (dog)", "Miezi (cat)"}})
	assert.Contains(t, prompt, "Animals treated: Bella (dog); Miezi (cat)")

	prompt = cfg.BuildPrompt(PromptOptions{})
	assert.NotContains(t, prompt, "Animals treated")
}

func TestBuildPromptFooterLast(t *testing.T) {
	cfg := testConfig()
	prompt := cfg.BuildPrompt(PromptOptions{Animals: []string{"Rex"}})
	assert.True(t, strings.HasSuffix(prompt, "Return a single JSON object."))
}

func TestLoadPromptConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
        "prompt_template": {
            "header": "h",
            "field_format": "- {readable_name}: {description}"
        },
        "extraction_fields": {
            "invoice_number": {"type": "string", "description": "d"}
        }
    }`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadPromptConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.ExtractionFields, 1)
}

func TestLoadPromptConfigRejectsIncomplete(t *testing.T) {
	dir := t.TempDir()

	noFields := filepath.Join(dir, "nofields.json")
	require.NoError(t, os.WriteFile(noFields,
		[]byte(`{"prompt_template": {"header": "h", "field_format": "f"}, "extraction_fields": {}}`), 0o644))
	_, err := LoadPromptConfig(noFields)
	assert.Error(t, err)

	noTemplate := filepath.Join(dir, "notemplate.json")
	require.NoError(t, os.WriteFile(noTemplate,
		[]byte(`{"extraction_fields": {"a": {"type": "string", "description": "d"}}}`), 0o644))
	_, err = LoadPromptConfig(noTemplate)
	assert.Error(t, err)

	_, err = LoadPromptConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := LoadPromptConfig(filepath.Join("..", "..", "configs", "extraction_config.json"))
	require.NoError(t, err)
	assert.Contains(t, cfg.ExtractionFields, "invoice_number")
	assert.Contains(t, cfg.ExtractionFields, "total_amount")
	assert.NotEmpty(t, cfg.PromptTemplate.Footer)
}
