package nlu

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/aixgo-dev/signup-agent/pkg/triad"
)

// DefaultGeminiModel is used when GeminiConfig.Model is empty.
const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiConfig configures a GeminiExtractor. With Project set the Vertex AI
// backend is used, otherwise the Gemini API with APIKey.
type GeminiConfig struct {
	APIKey   string
	Project  string
	Location string
	Model    string
}

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiExtractor asks a Gemini model for facts as JSON.
type GeminiExtractor struct {
	models  contentGenerator
	model   string
	catalog *Catalog
}

// NewGeminiExtractor creates a GeminiExtractor.
func NewGeminiExtractor(ctx context.Context, cfg GeminiConfig, catalog *Catalog) (*GeminiExtractor, error) {
	clientCfg := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.Project != "" {
		clientCfg = &genai.ClientConfig{Project: cfg.Project, Location: cfg.Location, Backend: genai.BackendVertexAI}
	} else if cfg.APIKey == "" {
		return nil, errors.New("gemini api key or project is required")
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newGeminiExtractor(client.Models, cfg.Model, catalog), nil
}

func newGeminiExtractor(models contentGenerator, model string, catalog *Catalog) *GeminiExtractor {
	if model == "" {
		model = DefaultGeminiModel
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &GeminiExtractor{models: models, model: model, catalog: catalog}
}

func (e *GeminiExtractor) Extract(ctx context.Context, text string) (triad.Facts, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr(float32(0)),
		MaxOutputTokens:   200,
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: text}}}}

	resp, err := e.models.GenerateContent(ctx, e.model, contents, config)
	if err != nil {
		return triad.Facts{}, fmt.Errorf("gemini extraction: %w", err)
	}

	var reply strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			reply.WriteString(part.Text)
		}
	}
	if reply.Len() == 0 {
		return triad.Facts{}, errors.New("gemini extraction: empty response")
	}

	facts, err := parseModelFacts(reply.String(), e.catalog)
	if err != nil {
		return triad.Facts{}, err
	}
	facts.Text = text
	return facts, nil
}
