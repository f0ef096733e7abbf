package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
)

type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends SMS directly to phone numbers via AWS SNS.
type SNSSender struct {
	client snsPublisher
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS sender for SMS messages.
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send publishes a transactional SMS and returns the SNS message id.
func (s *SNSSender) Send(ctx context.Context, msg *db.Message) (string, error) {
	if msg.Channel != db.ChannelSMS {
		return "", refused("SNS sender only supports SMS, got: %s", msg.Channel)
	}
	if msg.Destination == "" {
		return "", refused("sms message missing destination")
	}
	if msg.Content == "" {
		return "", refused("sms message missing content")
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(msg.Destination),
		Message:     aws.String(msg.Content),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", classifyAWSError(err))
	}

	id := aws.ToString(result.MessageId)
	s.logger.Info("sms sent via SNS",
		zap.String("message_id", msg.ID.String()),
		zap.String("sns_message_id", id),
	)

	return id, nil
}

// SupportsChannel checks if this sender supports the SMS channel
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}
