package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/campaign"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/redis"
)

// mockCampaigns is a fake lifecycle manager. Every method records its input
// and fails with err when set.
type mockCampaigns struct {
	mu  sync.Mutex
	err error

	campaign   *db.Campaign
	campaigns  []*db.Campaign
	start      *campaign.StartResult
	assign     *campaign.AssignResult
	recipients []*db.Recipient
	messages   []*db.Message
	retry      *campaign.RetryResult
	clear      *campaign.ClearResult
	deleted    string

	gotID          uuid.UUID
	gotIDs         []uuid.UUID
	gotReplace     bool
	gotStatus      string
	gotCompletedAt *time.Time
	gotChannel     string
	gotCreate      campaign.CreateInput
	gotLimit       int
	gotOffset      int
	webhooks       []campaign.WebhookUpdate
}

func (m *mockCampaigns) CreateCampaign(ctx context.Context, in campaign.CreateInput) (*db.Campaign, error) {
	m.gotCreate = in
	if m.err != nil {
		return nil, m.err
	}
	return &db.Campaign{ID: uuid.New(), Name: in.Name, CampaignType: in.CampaignType, Status: db.CampaignDraft}, nil
}

func (m *mockCampaigns) GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	m.gotID = id
	if m.err != nil {
		return nil, m.err
	}
	return m.campaign, nil
}

func (m *mockCampaigns) ListCampaigns(ctx context.Context, limit, offset int) ([]*db.Campaign, error) {
	m.gotLimit, m.gotOffset = limit, offset
	if m.err != nil {
		return nil, m.err
	}
	return m.campaigns, nil
}

func (m *mockCampaigns) Start(ctx context.Context, id uuid.UUID) (*campaign.StartResult, error) {
	m.gotID = id
	if m.err != nil {
		return nil, m.err
	}
	return m.start, nil
}

func (m *mockCampaigns) AssignRecipients(ctx context.Context, id uuid.UUID, contactIDs []uuid.UUID, replace bool) (*campaign.AssignResult, error) {
	m.gotID, m.gotIDs, m.gotReplace = id, contactIDs, replace
	if m.err != nil {
		return nil, m.err
	}
	return m.assign, nil
}

func (m *mockCampaigns) UpdateStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time) (*db.Campaign, error) {
	m.gotID, m.gotStatus, m.gotCompletedAt = id, status, completedAt
	if m.err != nil {
		return nil, m.err
	}
	return &db.Campaign{ID: id, Status: status, CompletedAt: completedAt}, nil
}

func (m *mockCampaigns) ListRecipients(ctx context.Context, id uuid.UUID) ([]*db.Recipient, error) {
	m.gotID = id
	if m.err != nil {
		return nil, m.err
	}
	return m.recipients, nil
}

func (m *mockCampaigns) ListMessages(ctx context.Context, campaignID uuid.UUID, channel string) ([]*db.Message, error) {
	m.gotID, m.gotChannel = campaignID, channel
	if m.err != nil {
		return nil, m.err
	}
	return m.messages, nil
}

func (m *mockCampaigns) ReconcileWebhook(ctx context.Context, u campaign.WebhookUpdate) (*campaign.ReconcileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = append(m.webhooks, u)
	if m.err != nil {
		return nil, m.err
	}
	return &campaign.ReconcileResult{MessageID: uuid.New(), Status: db.StatusDelivered, Applied: true}, nil
}

func (m *mockCampaigns) RetryFailed(ctx context.Context) (*campaign.RetryResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.retry, nil
}

func (m *mockCampaigns) ClearPending(ctx context.Context) (*campaign.ClearResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.clear, nil
}

func (m *mockCampaigns) DeleteMessage(ctx context.Context, id uuid.UUID) (string, error) {
	m.gotID = id
	if m.err != nil {
		return "", m.err
	}
	return m.deleted, nil
}

func (m *mockCampaigns) webhookCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.webhooks)
}

type mockContacts struct {
	mu      sync.Mutex
	created []*db.Contact
	groups  []*db.ContactGroup
	err     error
}

func (m *mockContacts) CreateContact(ctx context.Context, c *db.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	c.ID = uuid.New()
	m.created = append(m.created, c)
	return nil
}

func (m *mockContacts) ListContactGroups(ctx context.Context) ([]*db.ContactGroup, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.groups, nil
}

type mockQueues struct {
	status *campaign.Status
	err    error
}

func (m *mockQueues) Status(ctx context.Context) (*campaign.Status, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.status, nil
}

type testServer struct {
	handler   *Handler
	router    http.Handler
	campaigns *mockCampaigns
	contacts  *mockContacts
	queues    *mockQueues
}

// newTestServer wires mocks behind the real router. deps fields left nil are
// filled with fresh mocks; background work runs inline.
func newTestServer(t *testing.T, deps Deps, limiter *redis.RateLimiter) *testServer {
	t.Helper()
	ts := &testServer{
		campaigns: &mockCampaigns{},
		contacts:  &mockContacts{},
		queues:    &mockQueues{},
	}
	if deps.Campaigns == nil {
		deps.Campaigns = ts.campaigns
	}
	if deps.Contacts == nil {
		deps.Contacts = ts.contacts
	}
	if deps.Queues == nil {
		deps.Queues = ts.queues
	}

	ts.handler = NewHandler(zap.NewNop(), deps)
	ts.handler.async = func(f func()) { f() }
	ts.router = NewRouter(ts.handler, limiter, zap.NewNop())
	return ts
}

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	return redis.NewFromClient(rdb, zap.NewNop())
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) postForm(t *testing.T, path string, form url.Values, clientIP string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientIP != "" {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	decodeBody(t, rec, &body)
	return body.Error
}
