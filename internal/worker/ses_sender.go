package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
)

type sesEmailer interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESSender struct {
	client sesEmailer
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("SES from address is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send sends an email message via AWS SES
func (s *SESSender) Send(ctx context.Context, msg *db.Message) (string, error) {
	if msg.Channel != db.ChannelEmail {
		return "", refused("SES sender only supports email, got: %s", msg.Channel)
	}
	if msg.Destination == "" {
		return "", refused("email message missing destination")
	}
	if msg.Subject == "" {
		return "", refused("email message missing subject")
	}
	if msg.Content == "" {
		return "", refused("email message missing content")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Destination},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Content),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", classifyAWSError(err))
	}

	id := aws.ToString(result.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("message_id", msg.ID.String()),
		zap.String("ses_message_id", id),
	)

	return id, nil
}

// SupportsChannel checks if this sender supports the email channel
func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
