// Package sqs publishes message delivery events to an SQS queue so that
// downstream systems can follow campaign progress without polling.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// DeliveryEvent is the payload sent to SQS.
type DeliveryEvent struct {
	MessageID         string `json:"message_id"`
	CampaignID        string `json:"campaign_id"`
	ContactID         string `json:"contact_id"`
	Channel           string `json:"channel"`
	Status            string `json:"status"`
	ProviderStatus    string `json:"provider_status"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	OccurredAt        int64  `json:"occurred_at"`
}

type sender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Producer sends delivery events to SQS.
type Producer struct {
	client   sender
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("SQS queue URL is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newProducer(sqs.NewFromConfig(awsCfg), cfg.QueueURL, logger), nil
}

func newProducer(client sender, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{client: client, queueURL: queueURL, logger: logger, now: time.Now}
}

// NewEvent builds the event for msg after the provider reported providerStatus.
func NewEvent(msg *db.Message, providerStatus string, at time.Time) DeliveryEvent {
	ev := DeliveryEvent{
		MessageID:      msg.ID.String(),
		CampaignID:     msg.CampaignID.String(),
		ContactID:      msg.ContactID.String(),
		Channel:        msg.Channel,
		Status:         msg.Status,
		ProviderStatus: providerStatus,
		OccurredAt:     at.UnixMilli(),
	}
	if msg.ProviderMessageID != nil {
		ev.ProviderMessageID = *msg.ProviderMessageID
	}
	if msg.ErrorMessage != nil {
		ev.ErrorMessage = *msg.ErrorMessage
	}
	return ev
}

// PublishDelivery sends one delivery event. Events for the same campaign share
// a message group so FIFO queues keep them ordered; standard queues ignore it.
func (p *Producer) PublishDelivery(ctx context.Context, msg *db.Message, providerStatus string) error {
	body, err := json.Marshal(NewEvent(msg, providerStatus, p.now()))
	if err != nil {
		return fmt.Errorf("failed to marshal delivery event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Status),
			},
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Channel),
			},
		},
	}
	if strings.HasSuffix(p.queueURL, ".fifo") {
		input.MessageGroupId = aws.String(msg.CampaignID.String())
		input.MessageDeduplicationId = aws.String(msg.ID.String() + "-" + providerStatus)
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send delivery event to sqs",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("delivery event published",
		zap.String("message_id", msg.ID.String()),
		zap.String("sqs_message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
