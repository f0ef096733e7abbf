package campaign

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/beacon/internal/apperr"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/queue"
)

// memStore is an in-memory Store. failOn makes the named method return the
// given error.
type memStore struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*db.Campaign
	contacts  []*db.Contact
	messages  map[uuid.UUID]*db.Message
	failOn    map[string]error
	// failAfter lets a method succeed n times before failOn applies
	failAfter map[string]int
	calls     map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		campaigns: map[uuid.UUID]*db.Campaign{},
		messages:  map[uuid.UUID]*db.Message{},
		failOn:    map[string]error{},
		failAfter: map[string]int{},
		calls:     map[string]int{},
	}
}

func (s *memStore) fail(method string) error {
	s.calls[method]++
	err, ok := s.failOn[method]
	if !ok {
		return nil
	}
	if s.calls[method] <= s.failAfter[method] {
		return nil
	}
	return err
}

func cloneCampaign(c *db.Campaign) *db.Campaign {
	cp := *c
	cp.RecipientContacts = slices.Clone(c.RecipientContacts)
	return &cp
}

func cloneMessage(m *db.Message) *db.Message {
	cp := *m
	return &cp
}

func (s *memStore) addContact(first string, tags []string, status string, created time.Time) *db.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &db.Contact{
		ID:          uuid.New(),
		FirstName:   first,
		PhoneNumber: "+1202456" + fmt.Sprintf("%04d", len(s.contacts)),
		Email:       first + "@example.com",
		Status:      status,
		Tags:        tags,
		CreatedAt:   created,
	}
	s.contacts = append(s.contacts, c)
	return c
}

func (s *memStore) addCampaign(c *db.Campaign) *db.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = db.CampaignDraft
	}
	s.campaigns[c.ID] = cloneCampaign(c)
	return c
}

func (s *memStore) addMessage(m *db.Message) *db.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	s.messages[m.ID] = cloneMessage(m)
	return m
}

func (s *memStore) campaign(id uuid.UUID) *db.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneCampaign(s.campaigns[id])
}

func (s *memStore) message(id uuid.UUID) *db.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessage(s.messages[id])
}

func (s *memStore) CreateCampaign(ctx context.Context, c *db.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateCampaign"); err != nil {
		return err
	}
	c.ID = uuid.New()
	c.TotalRecipients = len(c.RecipientContacts)
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (s *memStore) GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetCampaign"); err != nil {
		return nil, err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return nil, apperr.NotFound("campaign")
	}
	return cloneCampaign(c), nil
}

func (s *memStore) ListCampaigns(ctx context.Context, limit, offset int) ([]*db.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*db.Campaign{}
	for _, c := range s.campaigns {
		out = append(out, cloneCampaign(c))
	}
	return out, nil
}

func (s *memStore) ResolveRecipients(ctx context.Context, f db.Filters, restrictTo []uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ResolveRecipients"); err != nil {
		return nil, err
	}

	matches := func(c *db.Contact) bool {
		if c.Status != db.ContactActive {
			return false
		}
		if len(f.Tags) > 0 && !slices.ContainsFunc(c.Tags, func(t string) bool { return slices.Contains(f.Tags, t) }) {
			return false
		}
		if f.CreatedAfter != nil && c.CreatedAt.Before(*f.CreatedAfter) {
			return false
		}
		if f.CreatedBefore != nil && c.CreatedAt.After(*f.CreatedBefore) {
			return false
		}
		return true
	}

	ids := []uuid.UUID{}
	if len(restrictTo) > 0 {
		for _, id := range restrictTo {
			for _, c := range s.contacts {
				if c.ID == id && matches(c) {
					ids = append(ids, id)
				}
			}
		}
		return ids, nil
	}
	for _, c := range s.contacts {
		if matches(c) {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func (s *memStore) MarkCampaignRunning(ctx context.Context, id uuid.UUID, total int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("MarkCampaignRunning"); err != nil {
		return false, err
	}
	c, ok := s.campaigns[id]
	if !ok || c.Status != db.CampaignDraft {
		return false, nil
	}
	c.Status = db.CampaignRunning
	c.TotalRecipients = total
	c.CompletedAt = nil
	return true, nil
}

func (s *memStore) UpdateRecipients(ctx context.Context, id uuid.UUID, fn func([]uuid.UUID) []uuid.UUID) (*db.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpdateRecipients"); err != nil {
		return nil, err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return nil, apperr.NotFound("campaign")
	}
	c.RecipientContacts = fn(slices.Clone(c.RecipientContacts))
	c.TotalRecipients = len(c.RecipientContacts)
	return cloneCampaign(c), nil
}

func (s *memStore) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time) (*db.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpdateCampaignStatus"); err != nil {
		return nil, err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return nil, apperr.NotFound("campaign")
	}
	c.Status = status
	c.CompletedAt = completedAt
	return cloneCampaign(c), nil
}

func (s *memStore) ListRecipients(ctx context.Context, campaignID uuid.UUID, channel string, contactIDs []uuid.UUID) ([]*db.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*db.Recipient{}
	for _, id := range contactIDs {
		for _, c := range s.contacts {
			if c.ID != id {
				continue
			}
			rec := &db.Recipient{CampaignID: campaignID, ContactID: id, Contact: *c}
			for _, m := range s.messages {
				if m.CampaignID == campaignID && m.ContactID == id && m.Channel == channel {
					mid, status := m.ID, m.Status
					rec.MessageID, rec.MessageStatus = &mid, &status
				}
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) ListMessages(ctx context.Context, campaignID uuid.UUID, channel string) ([]*db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListMessages"); err != nil {
		return nil, err
	}
	out := []*db.Message{}
	for _, m := range s.messages {
		if m.CampaignID == campaignID && m.Channel == channel {
			out = append(out, cloneMessage(m))
		}
	}
	return out, nil
}

func (s *memStore) ListMessagesByStatus(ctx context.Context, channel, status string) ([]*db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListMessagesByStatus"); err != nil {
		return nil, err
	}
	out := []*db.Message{}
	for _, m := range s.messages {
		if m.Channel == channel && m.Status == status {
			out = append(out, cloneMessage(m))
		}
	}
	slices.SortFunc(out, func(a, b *db.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *memStore) GetMessageByProviderID(ctx context.Context, providerID string) (*db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetMessageByProviderID"); err != nil {
		return nil, err
	}
	for _, m := range s.messages {
		if m.ProviderMessageID != nil && *m.ProviderMessageID == providerID {
			return cloneMessage(m), nil
		}
	}
	return nil, apperr.NotFound("message")
}

func (s *memStore) ApplyTransition(ctx context.Context, t db.StatusTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ApplyTransition"); err != nil {
		return false, err
	}
	m, ok := s.messages[t.MessageID]
	if !ok || !slices.Contains(t.From, m.Status) {
		return false, nil
	}

	prior := m.Status
	m.Status = t.To
	at := t.At
	switch t.To {
	case db.StatusSent:
		m.SentAt = &at
	case db.StatusDelivered:
		m.DeliveredAt = &at
	case db.StatusFailed:
		m.FailedAt = &at
	}
	if t.ErrorMessage != nil {
		m.ErrorMessage = t.ErrorMessage
	}
	if t.ProviderMessageID != nil {
		m.ProviderMessageID = t.ProviderMessageID
	}

	c := s.campaigns[m.CampaignID]
	switch t.Counter {
	case db.CounterSent:
		c.SentCount++
	case db.CounterDelivered:
		c.DeliveredCount++
	case db.CounterFailed:
		c.FailedCount++
	}
	if t.To == db.StatusFailed && prior == db.StatusSent && c.SentCount > 0 {
		c.SentCount--
	}
	return true, nil
}

func (s *memStore) MergeProviderResponse(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("MergeProviderResponse"); err != nil {
		return err
	}
	m, ok := s.messages[id]
	if !ok {
		return apperr.NotFound("message")
	}
	m.ProviderResponse = []byte(fmt.Sprintf("%v", patch))
	return nil
}

func (s *memStore) ResetFailedMessage(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ResetFailedMessage"); err != nil {
		return false, err
	}
	m, ok := s.messages[id]
	if !ok || m.Status != db.StatusFailed {
		return false, nil
	}
	m.Status = db.StatusPending
	m.RetryCount++
	m.LastRetryAt = &at
	if c, ok := s.campaigns[m.CampaignID]; ok && c.FailedCount > 0 {
		c.FailedCount--
	}
	return true, nil
}

func (s *memStore) DeletePendingMessages(ctx context.Context, channel string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeletePendingMessages"); err != nil {
		return 0, err
	}
	var n int64
	for id, m := range s.messages {
		if m.Channel == channel && m.Status == db.StatusPending {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteMessage(ctx context.Context, id uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return "", apperr.NotFound("message")
	}
	delete(s.messages, id)
	return m.Channel, nil
}

type enqueued struct {
	Queue string
	Name  string
	Data  any
	Opts  queue.JobOptions
}

// memQueue deduplicates by JobID like the Redis queue.
type memQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	byID map[string]*queue.Job
	err  error
}

func newMemQueue() *memQueue {
	return &memQueue{byID: map[string]*queue.Job{}}
}

func (q *memQueue) Enqueue(ctx context.Context, queueName, jobName string, data any, opts queue.JobOptions) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	id := opts.JobID
	if id == "" {
		id = fmt.Sprintf("%d", len(q.jobs)+1)
	}
	key := queueName + "/" + id
	if existing, ok := q.byID[key]; ok {
		return existing, nil
	}
	job := &queue.Job{ID: id, Name: jobName, Queue: queueName}
	q.byID[key] = job
	q.jobs = append(q.jobs, enqueued{Queue: queueName, Name: jobName, Data: data, Opts: opts})
	return job, nil
}

func (q *memQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type recordedEvent struct {
	MessageID uuid.UUID
	Status    string
	Provider  string
}

type memEvents struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (e *memEvents) PublishDelivery(ctx context.Context, msg *db.Message, providerStatus string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{MessageID: msg.ID, Status: msg.Status, Provider: providerStatus})
	return e.err
}
