// Package oracle calls the scoring model. The rest of the system treats it
// as opaque text-in/text-out; only the scoring package knows how to read
// the reply.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/cellarwatch/lastbottle-monitor/internal/config"
)

// bedrockMessage represents a message in Bedrock format
type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

// bedrockContentBlock represents content in a message
type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// bedrockRequest is the request to the Bedrock invoke API
type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature"`
}

// bedrockResponse is the response from Bedrock
type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// Bedrock scores prompts through AWS Bedrock (Claude).
type Bedrock struct {
	client    *bedrockruntime.Client
	modelID   string
	maxTokens int
}

// NewBedrock creates a Bedrock-backed scoring oracle using the default AWS
// credential chain.
func NewBedrock(ctx context.Context, cfg appconfig.BedrockConfig) (*Bedrock, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Bedrock{
		client:    bedrockruntime.NewFromConfig(awsCfg),
		modelID:   cfg.ModelID,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Score sends one prompt and returns the raw model text. Temperature is
// pinned to zero: scoring the same offer for the same profile should give
// the same verdict across retries.
func (b *Bedrock) Score(ctx context.Context, prompt string) (string, error) {
	request := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        b.maxTokens,
		Temperature:      0,
		Messages: []bedrockMessage{
			{
				Role: "user",
				Content: []bedrockContentBlock{
					{Type: "text", Text: prompt},
				},
			},
		},
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	output, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return "", fmt.Errorf("invoking model %s: %w", b.modelID, err)
	}

	var response bedrockResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return "", fmt.Errorf("parsing model response: %w", err)
	}

	var text string
	for _, content := range response.Content {
		if content.Type == "text" {
			text += content.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("model %s returned no text content", b.modelID)
	}
	return text, nil
}
