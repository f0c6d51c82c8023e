package nlu

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/aixgo-dev/signup-agent/pkg/triad"
)

// DefaultOpenAIModel is used when OpenAIConfig.Model is empty.
const DefaultOpenAIModel = openai.GPT4oMini

// OpenAIConfig configures an OpenAIExtractor.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIExtractor asks an OpenAI chat model for facts in JSON mode.
type OpenAIExtractor struct {
	client  *openai.Client
	model   string
	catalog *Catalog
}

// NewOpenAIExtractor creates an OpenAIExtractor.
func NewOpenAIExtractor(cfg OpenAIConfig, catalog *Catalog) (*OpenAIExtractor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &OpenAIExtractor{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		catalog: catalog,
	}, nil
}

func (e *OpenAIExtractor) Extract(ctx context.Context, text string) (triad.Facts, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0,
		MaxTokens:      200,
	})
	if err != nil {
		return triad.Facts{}, fmt.Errorf("openai extraction: %w", err)
	}
	if len(resp.Choices) == 0 {
		return triad.Facts{}, errors.New("openai extraction: empty response")
	}

	facts, err := parseModelFacts(resp.Choices[0].Message.Content, e.catalog)
	if err != nil {
		return triad.Facts{}, err
	}
	facts.Text = text
	return facts, nil
}
