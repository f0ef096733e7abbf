package redis

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestImportSessions_StartAndGet(t *testing.T) {
	client, mr := setupTestRedis(t)
	store := NewImportSessions(client, zap.NewNop())
	ctx := context.Background()

	session, err := store.Start(ctx, 4)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if session.Status != ImportProcessing || session.Total != 4 {
		t.Errorf("unexpected session %+v", session)
	}
	if ttl := mr.TTL("import:" + session.ID); ttl != ImportSessionTTL {
		t.Errorf("expected ttl %v, got %v", ImportSessionTTL, ttl)
	}

	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != session.ID || got.Total != 4 {
		t.Errorf("unexpected session %+v", got)
	}
}

func TestImportSessions_ProgressRoundTrip(t *testing.T) {
	client, _ := setupTestRedis(t)
	store := NewImportSessions(client, zap.NewNop())
	ctx := context.Background()

	session, _ := store.Start(ctx, 4)
	session.Advance(3, "Imported 3 of 4")
	session.Errors = append(session.Errors, "row 2: invalid phone number")
	if err := store.Save(ctx, session); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Progress != 75 || got.Current != 3 {
		t.Errorf("expected 75%% at row 3, got %d%% at %d", got.Progress, got.Current)
	}
	if len(got.Errors) != 1 {
		t.Errorf("expected one error, got %v", got.Errors)
	}
}

func TestImportSessions_Expired(t *testing.T) {
	client, mr := setupTestRedis(t)
	store := NewImportSessions(client, zap.NewNop())
	ctx := context.Background()

	session, _ := store.Start(ctx, 1)
	mr.FastForward(ImportSessionTTL + 1)

	if _, err := store.Get(ctx, session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
