package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/circuitbreaker"
	"github.com/lalithlochan/beacon/internal/db"
)

// Sender hands one message to a provider and returns the provider's message
// id. Implementations: Twilio and SNS for SMS, SES for email, LogSender for
// development.
type Sender interface {
	Send(ctx context.Context, msg *db.Message) (string, error)
	SupportsChannel(channel string) bool
}

// refused reports a message that no provider retry can deliver.
func refused(format string, args ...any) error {
	return fmt.Errorf("%w: %s", circuitbreaker.ErrPermanent, fmt.Sprintf(format, args...))
}

// classifyAWSError marks client-fault API errors (bad address, rejected
// content) as permanent. Throttling is a client fault in AWS terms but the
// provider is telling us to back off, so it stays transient.
func classifyAWSError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorFault() != smithy.FaultClient {
		return err
	}
	if strings.Contains(apiErr.ErrorCode(), "Throttl") {
		return err
	}
	return fmt.Errorf("%w: %w", circuitbreaker.ErrPermanent, err)
}

// MultiSender routes messages to the first sender supporting their channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes msg to the sender for its channel.
func (m *MultiSender) Send(ctx context.Context, msg *db.Message) (string, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.String("message_id", msg.ID.String()),
			)
			return sender.Send(ctx, msg)
		}
	}

	return "", fmt.Errorf("no sender found for channel: %s", msg.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs messages instead of sending them.
type LogSender struct {
	channels map[string]bool
	logger   *zap.Logger
}

// NewLogSender creates a log sender for channels, or for every channel when
// none are given.
func NewLogSender(logger *zap.Logger, channels ...string) *LogSender {
	if len(channels) == 0 {
		channels = []string{db.ChannelSMS, db.ChannelEmail}
	}
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	return &LogSender{channels: set, logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *db.Message) (string, error) {
	id := "log-" + uuid.NewString()
	s.logger.Info("logging message (development mode)",
		zap.String("message_id", msg.ID.String()),
		zap.String("channel", msg.Channel),
		zap.String("destination", msg.Destination),
		zap.String("subject", msg.Subject),
		zap.String("content", msg.Content),
		zap.String("provider_message_id", id),
	)
	return id, nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return s.channels[channel]
}
