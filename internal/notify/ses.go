// Package notify delivers user-facing email through AWS SES.
package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	appconfig "github.com/cellarwatch/lastbottle-monitor/internal/config"
)

// Sender delivers a single plain-text email. Implementations must treat a
// failure as affecting only that one message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SESSender sends email via AWS SES using the SDK v2.
type SESSender struct {
	client      *sesv2.Client
	fromAddress string
	fromName    string
}

// NewSESSender creates an SES sender. Static credentials are used when
// configured; otherwise the default chain (IAM role) applies.
func NewSESSender(ctx context.Context, cfg appconfig.SESConfig) (*SESSender, error) {
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("ses from_address is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SESSender{
		client:      sesv2.NewFromConfig(awsCfg),
		fromAddress: cfg.FromAddress,
		fromName:    cfg.FromName,
	}, nil
}

// Send delivers one plain-text email through SES.
func (s *SESSender) Send(ctx context.Context, to, subject, body string) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", s.fromName, s.fromAddress)),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("sending email to %s: %w", to, err)
	}
	return nil
}
