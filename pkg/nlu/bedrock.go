package nlu

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/aixgo-dev/signup-agent/pkg/triad"
)

// DefaultBedrockModel is used when BedrockConfig.Model is empty.
const DefaultBedrockModel = "anthropic.claude-3-haiku-20240307-v1:0"

// BedrockConfig configures a BedrockExtractor. Credentials come from the
// default AWS chain.
type BedrockConfig struct {
	Region string
	Model  string
}

type converser interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockExtractor asks a model hosted on Amazon Bedrock for facts as JSON.
type BedrockExtractor struct {
	runtime converser
	models  *bedrock.Client
	model   string
	catalog *Catalog
}

// NewBedrockExtractor creates a BedrockExtractor.
func NewBedrockExtractor(ctx context.Context, cfg BedrockConfig, catalog *Catalog) (*BedrockExtractor, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	e := newBedrockExtractor(bedrockruntime.NewFromConfig(awsCfg), cfg.Model, catalog)
	e.models = bedrock.NewFromConfig(awsCfg)
	return e, nil
}

func newBedrockExtractor(runtime converser, model string, catalog *Catalog) *BedrockExtractor {
	if model == "" {
		model = DefaultBedrockModel
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &BedrockExtractor{runtime: runtime, model: model, catalog: catalog}
}

// Ping checks that the configured model is available in the region.
func (e *BedrockExtractor) Ping(ctx context.Context) error {
	if e.models == nil {
		return nil
	}
	_, err := e.models.GetFoundationModel(ctx, &bedrock.GetFoundationModelInput{ModelIdentifier: aws.String(e.model)})
	return err
}

func (e *BedrockExtractor) Extract(ctx context.Context, text string) (triad.Facts, error) {
	out, err := e.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(e.model),
		System:  []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: systemPrompt}},
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: text}},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(0),
			MaxTokens:   aws.Int32(200),
		},
	})
	if err != nil {
		return triad.Facts{}, fmt.Errorf("bedrock extraction: %w", err)
	}

	var reply strings.Builder
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if t, ok := block.(*types.ContentBlockMemberText); ok {
				reply.WriteString(t.Value)
			}
		}
	}
	if reply.Len() == 0 {
		return triad.Facts{}, errors.New("bedrock extraction: empty response")
	}

	facts, err := parseModelFacts(reply.String(), e.catalog)
	if err != nil {
		return triad.Facts{}, err
	}
	facts.Text = text
	return facts, nil
}
