package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ImportSessionTTL is how long an import's progress stays readable.
const ImportSessionTTL = time.Hour

// Import session statuses.
const (
	ImportProcessing = "processing"
	ImportCompleted  = "completed"
	ImportFailed     = "failed"
)

// ErrSessionNotFound is returned for unknown or expired import sessions.
var ErrSessionNotFound = errors.New("import session not found")

// ImportResult summarises a finished import.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// ImportSession tracks the progress of one contact import.
type ImportSession struct {
	ID       string        `json:"id"`
	Status   string        `json:"status"`
	Progress int           `json:"progress"`
	Current  int           `json:"current"`
	Total    int           `json:"total"`
	Message  string        `json:"message"`
	Errors   []string      `json:"errors"`
	Result   *ImportResult `json:"result,omitempty"`
}

// Advance records that current rows have been handled.
func (s *ImportSession) Advance(current int, message string) {
	s.Current = current
	s.Message = message
	if s.Total > 0 {
		s.Progress = current * 100 / s.Total
	}
}

// ImportSessions stores import sessions in Redis so any instance can report
// on an import started by another.
type ImportSessions struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewImportSessions creates an import session store.
func NewImportSessions(client *Client, logger *zap.Logger) *ImportSessions {
	return &ImportSessions{client: client, logger: logger, ttl: ImportSessionTTL}
}

func (s *ImportSessions) buildKey(id string) string {
	return "import:" + id
}

// Start creates a processing session for total rows.
func (s *ImportSessions) Start(ctx context.Context, total int) (*ImportSession, error) {
	session := &ImportSession{
		ID:      uuid.NewString(),
		Status:  ImportProcessing,
		Total:   total,
		Message: "Import started",
		Errors:  []string{},
	}
	if err := s.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Save writes the session and refreshes its TTL.
func (s *ImportSessions) Save(ctx context.Context, session *ImportSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal import session: %w", err)
	}
	if err := s.client.rdb.Set(ctx, s.buildKey(session.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Get loads a session by id.
func (s *ImportSessions) Get(ctx context.Context, id string) (*ImportSession, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var session ImportSession
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		s.logger.Error("failed to unmarshal import session", zap.Error(err), zap.String("import_id", id))
		return nil, fmt.Errorf("invalid import session: %w", err)
	}
	return &session, nil
}
