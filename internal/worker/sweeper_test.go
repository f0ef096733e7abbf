package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestNewCompletionSweeper_InvalidSchedule(t *testing.T) {
	if _, err := NewCompletionSweeper(newFakeStore(), "every now and then", zap.NewNop()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestCompletionSweeper_Sweep(t *testing.T) {
	store := newFakeStore()
	store.completed = []uuid.UUID{uuid.New(), uuid.New()}

	s, err := NewCompletionSweeper(store, "@every 1m", zap.NewNop())
	if err != nil {
		t.Fatalf("NewCompletionSweeper: %v", err)
	}

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("completed = %d, want 2", n)
	}
}

func TestCompletionSweeper_SweepError(t *testing.T) {
	boom := errors.New("db down")
	store := newFakeStore()
	store.err = boom

	s, err := NewCompletionSweeper(store, "@every 1m", zap.NewNop())
	if err != nil {
		t.Fatalf("NewCompletionSweeper: %v", err)
	}

	if _, err := s.Sweep(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestCompletionSweeper_StartStop(t *testing.T) {
	s, err := NewCompletionSweeper(newFakeStore(), "@every 1h", zap.NewNop())
	if err != nil {
		t.Fatalf("NewCompletionSweeper: %v", err)
	}

	s.Start()
	<-s.Stop().Done()
}
