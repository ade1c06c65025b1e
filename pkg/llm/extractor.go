package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/internal/types"
)

const (
	SourceAI       = "ai"
	SourceFilename = "filename"
)

type ExtractorConfig struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	Prompt      string
	Retry       RetryPolicy
}

// Extractor reads drawing title blocks with a multimodal model.
type Extractor struct {
	config ExtractorConfig
	llm    llms.Model
	retry  *Retrier
}

const defaultPrompt = `You are reading the title block of a construction drawing.
Return only a JSON object with these keys:
"drawingNumber" (string), "drawingName" (string), "drawingRevision" (string),
"confidence" (number between 0 and 1).
Use empty strings for values you cannot read.`

func NewExtractorWithConfig(config ExtractorConfig) (*Extractor, error) {
	if config.Provider == "" {
		config.Provider = "ollama"
	}
	if config.Model == "" {
		config.Model = "llava"
	}

	var model llms.Model
	var err error
	switch config.Provider {
	case "ollama":
		if config.BaseURL == "" {
			config.BaseURL = "http://localhost:11434" // Default Ollama URL
		}
		model, err = ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	case "openai":
		opts := []openai.Option{openai.WithToken(config.APIKey), openai.WithModel(config.Model)}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		model, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported extraction provider: %s", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return NewExtractorWithModel(config, model), nil
}

func NewExtractorWithModel(config ExtractorConfig, model llms.Model) *Extractor {
	if config.Prompt == "" {
		config.Prompt = defaultPrompt
	}
	return &Extractor{config: config, llm: model, retry: NewRetrier(config.Retry)}
}

func (e *Extractor) Model() string { return e.config.Model }

func (e *Extractor) Extract(ctx context.Context, data []byte, filename, mimeType string) (*types.ExtractionResult, error) {
	content := []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.BinaryPart(mimeType, data),
				llms.TextPart(e.config.Prompt + "\nFilename: " + filename),
			},
		},
	}

	var response *llms.ContentResponse
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		response, err = e.llm.GenerateContent(ctx, content, llms.WithTemperature(e.config.Temperature))
		return err
	})
	if err != nil {
		return nil, errs.Extraction("llm.Extract", fmt.Errorf("extraction error: %w", err))
	}
	if response == nil || len(response.Choices) == 0 || response.Choices[0] == nil {
		return nil, errs.Extraction("llm.Extract", fmt.Errorf("no response from LLM"))
	}

	result, err := parseExtraction(response.Choices[0].Content)
	if err != nil {
		return nil, errs.Extraction("llm.Extract", err)
	}
	result.Source = SourceAI

	if result.DrawingNumber == "" {
		if fb := FromFilename(filename); fb != nil {
			result.DrawingNumber = fb.DrawingNumber
			if result.DrawingRevision == "" {
				result.DrawingRevision = fb.DrawingRevision
			}
			result.Source = SourceFilename
			result.Confidence = min(result.Confidence, fb.Confidence)
		}
	}
	return result, nil
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// parseExtraction accepts the model's answer with or without code fences
// or surrounding prose.
func parseExtraction(answer string) (*types.ExtractionResult, error) {
	raw := jsonObject.FindString(answer)
	if raw == "" {
		return nil, fmt.Errorf("response contains no JSON object: %q", truncate(answer, 120))
	}

	var result types.ExtractionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("failed to decode extraction: %v", err)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range [0,1]", result.Confidence)
	}
	result.DrawingNumber = strings.TrimSpace(result.DrawingNumber)
	result.DrawingName = strings.TrimSpace(result.DrawingName)
	result.DrawingRevision = strings.TrimSpace(result.DrawingRevision)
	return &result, nil
}

var drawingFilename = regexp.MustCompile(`(?i)^([A-Z]{1,3}[-_ ]?\d{2,4}(?:[.-]\d{1,3})?)(?:[-_ ]?(?:rev|r)[-_ ]?([A-Z0-9]{1,3}))?(?:[-_ ].*)?$`)

// FromFilename recognises drawing numbers such as "A-101_rev-C.pdf". It
// returns nil when the name does not look like a drawing number.
func FromFilename(filename string) *types.ExtractionResult {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	m := drawingFilename.FindStringSubmatch(base)
	if m == nil {
		return nil
	}
	return &types.ExtractionResult{
		DrawingNumber:   strings.ToUpper(strings.ReplaceAll(m[1], "_", "-")),
		DrawingRevision: strings.ToUpper(m[2]),
		Confidence:      0.5,
		Source:          SourceFilename,
	}
}

// truncate keeps the first n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
