package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/beacon/internal/apperr"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/queue"
)

// fakeStore implements CampaignStore, MessageStore and CompletionStore.
type fakeStore struct {
	mu          sync.Mutex
	campaigns   map[uuid.UUID]*db.Campaign
	contacts    map[uuid.UUID]*db.Contact
	messages    map[uuid.UUID]*db.Message
	transitions []db.StatusTransition
	completed   []uuid.UUID
	err         error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: map[uuid.UUID]*db.Campaign{},
		contacts:  map[uuid.UUID]*db.Contact{},
		messages:  map[uuid.UUID]*db.Message{},
	}
}

func (s *fakeStore) addContact(c *db.Contact) *db.Contact {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	s.contacts[c.ID] = c
	return c
}

func (s *fakeStore) GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, apperr.NotFound("campaign")
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) GetContacts(ctx context.Context, ids []uuid.UUID) ([]*db.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*db.Contact{}
	for _, id := range ids {
		if c, ok := s.contacts[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateMessage(ctx context.Context, m *db.Message) (*db.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, false, s.err
	}
	for _, existing := range s.messages {
		if existing.CampaignID == m.CampaignID && existing.ContactID == m.ContactID && existing.Channel == m.Channel {
			cp := *existing
			return &cp, false, nil
		}
	}
	cp := *m
	cp.ID = uuid.New()
	cp.Status = db.StatusPending
	s.messages[cp.ID] = &cp
	out := cp
	return &out, true, nil
}

func (s *fakeStore) GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, apperr.NotFound("message")
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) ApplyTransition(ctx context.Context, t db.StatusTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[t.MessageID]
	if !ok || !slices.Contains(t.From, m.Status) {
		return false, nil
	}
	m.Status = t.To
	if t.ErrorMessage != nil {
		m.ErrorMessage = t.ErrorMessage
	}
	if t.ProviderMessageID != nil {
		m.ProviderMessageID = t.ProviderMessageID
	}
	s.transitions = append(s.transitions, t)
	return true, nil
}

func (s *fakeStore) CompleteFinishedCampaigns(ctx context.Context, at time.Time) ([]uuid.UUID, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.completed, nil
}

func (s *fakeStore) messagesFor(campaignID uuid.UUID) []*db.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*db.Message{}
	for _, m := range s.messages {
		if m.CampaignID == campaignID {
			out = append(out, m)
		}
	}
	return out
}

// fakeQueue records enqueued jobs and deduplicates by JobID.
type fakeQueue struct {
	mu   sync.Mutex
	jobs map[string]*queue.Job
	err  error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[string]*queue.Job{}}
}

func (q *fakeQueue) Enqueue(ctx context.Context, queueName, jobName string, data any, opts queue.JobOptions) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	key := queueName + "/" + opts.JobID
	if existing, ok := q.jobs[key]; ok {
		return existing, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	job := &queue.Job{ID: opts.JobID, Name: jobName, Queue: queueName, Data: raw, MaxAttempts: opts.MaxAttempts}
	q.jobs[key] = job
	return job, nil
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func makeJob(t *testing.T, name string, payload any, attempt, maxAttempts int) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Job{
		ID:           fmt.Sprintf("%s-%d", name, attempt),
		Name:         name,
		Data:         raw,
		AttemptsMade: attempt,
		MaxAttempts:  maxAttempts,
	}
}
