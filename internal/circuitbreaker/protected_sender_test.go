package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
)

type mockSender struct {
	sendErr   error
	channel   string
	sendCalls int
}

func (m *mockSender) Send(ctx context.Context, msg *db.Message) (string, error) {
	m.sendCalls++
	if m.sendErr != nil {
		return "", m.sendErr
	}
	return "SM" + msg.ID.String()[:8], nil
}

func (m *mockSender) SupportsChannel(channel string) bool {
	return channel == m.channel
}

func testMessage(ch string) *db.Message {
	return &db.Message{ID: uuid.New(), Channel: ch, Destination: "+12024561111", Content: "hi"}
}

func TestProtectedSender_PassesThrough(t *testing.T) {
	mock := &mockSender{channel: db.ChannelSMS}
	cb, _ := newTestBreaker(Config{Name: "twilio", MaxFailures: 5})
	ps := NewProtectedSender(mock, cb, zap.NewNop())

	msg := testMessage(db.ChannelSMS)
	id, err := ps.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if id != "SM"+msg.ID.String()[:8] {
		t.Errorf("provider id not returned: %q", id)
	}
	if cb.Stats().TotalSuccesses != 1 {
		t.Fatal("expected 1 success")
	}
}

func TestProtectedSender_FailFastWhenOpen(t *testing.T) {
	mock := &mockSender{sendErr: errors.New("twilio 503"), channel: db.ChannelSMS}
	cb, _ := newTestBreaker(Config{Name: "twilio", MaxFailures: 2})
	ps := NewProtectedSender(mock, cb, zap.NewNop())

	ps.Send(context.Background(), testMessage(db.ChannelSMS))
	ps.Send(context.Background(), testMessage(db.ChannelSMS))
	mock.sendCalls = 0

	_, err := ps.Send(context.Background(), testMessage(db.ChannelSMS))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatalf("sender called %d times when circuit open", mock.sendCalls)
	}
}

func TestProtectedSender_SupportsChannel(t *testing.T) {
	ps := NewProtectedSender(&mockSender{channel: db.ChannelEmail}, New(DefaultConfig("ses"), zap.NewNop()), zap.NewNop())
	if !ps.SupportsChannel(db.ChannelEmail) {
		t.Fatal("should support email")
	}
	if ps.SupportsChannel(db.ChannelSMS) {
		t.Fatal("should not support sms")
	}
}

func TestProtectedSender_Recovery(t *testing.T) {
	mock := &mockSender{channel: db.ChannelEmail, sendErr: errors.New("SES throttled")}
	cb, clock := newTestBreaker(Config{Name: "ses", MaxFailures: 3, RecoveryTimeout: time.Minute})
	ps := NewProtectedSender(mock, cb, zap.NewNop())
	msg := testMessage(db.ChannelEmail)

	for i := 0; i < 3; i++ {
		ps.Send(context.Background(), msg)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	clock.advance(time.Minute)
	mock.sendErr = nil
	if _, err := ps.Send(context.Background(), msg); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
}

func TestProtectedSender_PermanentErrorsDoNotTrip(t *testing.T) {
	mock := &mockSender{channel: db.ChannelSMS, sendErr: fmt.Errorf("%w: invalid 'To' number", ErrPermanent)}
	cb, _ := newTestBreaker(Config{Name: "twilio", MaxFailures: 2})
	ps := NewProtectedSender(mock, cb, zap.NewNop())

	for i := 0; i < 5; i++ {
		if _, err := ps.Send(context.Background(), testMessage(db.ChannelSMS)); !errors.Is(err, ErrPermanent) {
			t.Fatalf("expected ErrPermanent, got %v", err)
		}
	}

	if mock.sendCalls != 5 {
		t.Errorf("sender called %d times, want 5", mock.sendCalls)
	}
	if cb.GetState() != StateClosed || cb.Stats().FailureCount != 0 {
		t.Errorf("permanent errors tripped the breaker: %s", cb)
	}
}

func TestProtectedSender_PermanentProbeKeepsHalfOpenSlot(t *testing.T) {
	mock := &mockSender{channel: db.ChannelSMS, sendErr: errors.New("twilio 503")}
	cb, clock := newTestBreaker(Config{Name: "twilio", MaxFailures: 1, RecoveryTimeout: time.Minute})
	ps := NewProtectedSender(mock, cb, zap.NewNop())

	ps.Send(context.Background(), testMessage(db.ChannelSMS))
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	clock.advance(time.Minute)
	mock.sendErr = fmt.Errorf("%w: blocked number", ErrPermanent)
	ps.Send(context.Background(), testMessage(db.ChannelSMS))
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open after permanent probe, got %s", cb.GetState())
	}

	mock.sendErr = nil
	if _, err := ps.Send(context.Background(), testMessage(db.ChannelSMS)); err != nil {
		t.Fatalf("second probe should be allowed: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("expected closed, got %s", cb.GetState())
	}
}
