package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
)

// Sender mirrors worker.Sender so this package does not import worker.
type Sender interface {
	Send(ctx context.Context, msg *db.Message) (string, error)
	SupportsChannel(channel string) bool
}

// ProtectedSender wraps a provider sender with a CircuitBreaker.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send returns ErrCircuitOpen without calling the provider while the circuit
// is open. Otherwise the outcome of the call is recorded on the breaker;
// ErrPermanent failures are not held against the provider.
func (p *ProtectedSender) Send(ctx context.Context, msg *db.Message) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("provider circuit open, failing fast",
			zap.String("provider", p.breaker.Name()),
			zap.String("message_id", msg.ID.String()),
			zap.String("channel", msg.Channel),
		)
		return "", fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	providerID, err := p.sender.Send(ctx, msg)
	if errors.Is(err, ErrPermanent) {
		p.breaker.Release()
		p.logger.Debug("message refused, circuit unaffected",
			zap.String("provider", p.breaker.Name()),
			zap.String("message_id", msg.ID.String()),
			zap.Error(err),
		)
		return "", err
	}
	if err != nil {
		p.breaker.RecordFailure()
		return "", err
	}

	p.breaker.RecordSuccess()
	return providerID, nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
