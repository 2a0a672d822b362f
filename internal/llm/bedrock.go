package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// Bedrock calls AWS Bedrock through the Converse API. Credentials come from
// the default AWS chain, so there is no key rotation.
type Bedrock struct {
	client *bedrockruntime.Client
	model  string
}

var _ Provider = (*Bedrock)(nil)

// NewBedrock creates a Bedrock provider. An empty region defers to the AWS
// environment.
func NewBedrock(ctx context.Context, region, model string) (*Bedrock, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Bedrock{client: bedrockruntime.NewFromConfig(cfg), model: model}, nil
}

func (b *Bedrock) Name() string  { return ProviderBedrock }
func (b *Bedrock) Model() string { return b.model }

func (b *Bedrock) AttemptCompletion(ctx context.Context, req Request) (string, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Prompt}},
		}},
		InferenceConfig: &types.InferenceConfiguration{},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}

	out, err := b.client.Converse(ctx, input)
	if err != nil {
		return "", fmt.Errorf("bedrock converse: %w", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", Retryable(fmt.Errorf("bedrock: unexpected output type %T", out.Output))
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	return sb.String(), nil
}
