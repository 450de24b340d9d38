package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsestream/backend/internal/auth"
	"github.com/pulsestream/backend/internal/config"
	"github.com/pulsestream/backend/internal/core"
	"github.com/pulsestream/backend/internal/database"
	"github.com/pulsestream/backend/internal/ingestion"
	"github.com/pulsestream/backend/internal/multitenancy"
	"github.com/pulsestream/backend/internal/query"
	"github.com/pulsestream/backend/internal/ratelimit"
)

// ----------------------------------------------------------------------------
// Stubs
// ----------------------------------------------------------------------------

type stubTenants struct {
	byKey map[string]*core.Tenant
}

func (s *stubTenants) TenantByAPIKey(ctx context.Context, apiKey string) (*core.Tenant, error) {
	if t, ok := s.byKey[apiKey]; ok {
		return t, nil
	}
	return nil, core.E(core.KindNotFound, "tenant not found")
}

func (s *stubTenants) TouchTenantActivity(ctx context.Context, tenantID string) error { return nil }

type stubEventStore struct {
	byExternal map[string]*core.Event
	byID       map[string]*core.Event
	inserted   int
}

func (s *stubEventStore) RunInTx(ctx context.Context, fn func(tx *database.Tx) error) error {
	return fn(nil)
}

func (s *stubEventStore) InsertEvent(ctx context.Context, tx *database.Tx, ev *core.Event) error {
	s.inserted++
	s.byID[ev.ID] = ev
	if ev.ExternalID != "" {
		s.byExternal[ev.TenantID+"/"+ev.ExternalID] = ev
	}
	return nil
}

func (s *stubEventStore) EventByExternalID(ctx context.Context, tenantID, externalID string) (*core.Event, error) {
	if ev, ok := s.byExternal[tenantID+"/"+externalID]; ok {
		return ev, nil
	}
	return nil, core.E(core.KindNotFound, "event not found")
}

func (s *stubEventStore) EventByID(ctx context.Context, tenantID, eventID string) (*core.Event, error) {
	if ev, ok := s.byID[eventID]; ok && ev.TenantID == tenantID {
		return ev, nil
	}
	return nil, core.E(core.KindNotFound, "event not found")
}

func (s *stubEventStore) SearchEvents(ctx context.Context, tenantID string, filter core.EventFilter) ([]*core.Event, int64, error) {
	var out []*core.Event
	for _, ev := range s.byID {
		if ev.TenantID == tenantID {
			out = append(out, ev)
		}
	}
	return out, int64(len(out)), nil
}

func (s *stubEventStore) AggregateStats(ctx context.Context, tenantID string, window core.StatsWindow) (*core.Stats, error) {
	return &core.Stats{Total: int64(s.inserted), ByType: map[string]int64{}, BySeverity: map[string]int64{}}, nil
}

func (s *stubEventStore) CountEventsSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	return int64(s.inserted), nil
}

func (s *stubEventStore) LastEventAt(ctx context.Context, tenantID string) (*time.Time, error) {
	return nil, nil
}

type fixedLimiter struct {
	allowed int
	calls   int
}

func (l *fixedLimiter) CheckAndIncrement(ctx context.Context, tenantID string, limit int) (*ratelimit.Result, error) {
	l.calls++
	return &ratelimit.Result{
		Allowed:    l.calls <= l.allowed,
		Limit:      limit,
		Current:    int64(l.calls),
		Remaining:  limit - l.calls,
		ResetAfter: 30 * time.Second,
	}, nil
}

type noopQueue struct{}

func (noopQueue) Enqueue(ctx context.Context, ev *core.Event) error { return nil }
func (noopQueue) Depth(ctx context.Context) (int64, error)          { return 0, nil }

// ----------------------------------------------------------------------------
// Fixture
// ----------------------------------------------------------------------------

type fixture struct {
	server  *httptest.Server
	store   *stubEventStore
	limiter *fixedLimiter
	mock    sqlmock.Sqlmock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlStore := database.NewStore(sqlx.NewDb(db, "postgres"))

	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	tenants := &stubTenants{byKey: map[string]*core.Tenant{
		"pk_live_good": {ID: "t1", Slug: "acme", APIKey: "pk_live_good", IsActive: true, RateLimitPerMinute: 100},
	}}
	registry := multitenancy.NewRegistry(tenants, 0)

	events := &stubEventStore{
		byExternal: map[string]*core.Event{},
		byID:       map[string]*core.Event{},
	}
	limiter := &fixedLimiter{allowed: 1 << 30}
	validator := ingestion.NewValidator(10*1024*1024, 5*time.Minute, 30*24*time.Hour)
	ingestionSvc := ingestion.NewService(events, limiter, noopQueue{}, validator, 5)
	querySvc := query.NewService(events, noopQueue{})

	issuer := auth.NewIssuer("test-secret", 30*time.Minute, 24*time.Hour)
	authSvc := auth.NewService(&noUserStore{}, issuer)

	cfg := config.Defaults()
	srv := NewServer(cfg, sqlStore, cache, registry, ingestionSvc, querySvc, authSvc)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{server: ts, store: events, limiter: limiter, mock: mock}
}

type noUserStore struct{}

func (noUserStore) TenantBySlug(ctx context.Context, slug string) (*core.Tenant, error) {
	return nil, core.E(core.KindNotFound, "tenant not found")
}
func (noUserStore) UserByID(ctx context.Context, tenantID, userID string) (*core.User, error) {
	return nil, core.E(core.KindNotFound, "user not found")
}
func (noUserStore) UserByEmail(ctx context.Context, tenantID, email string) (*core.User, error) {
	return nil, core.E(core.KindNotFound, "user not found")
}
func (noUserStore) RecordUserLogin(ctx context.Context, tenantID, userID string) error { return nil }
func (noUserStore) RecordFailedLogin(ctx context.Context, tenantID, userID string, maxAttempts int, lockFor time.Duration) error {
	return nil
}

func (f *fixture) do(t *testing.T, method, path, apiKey, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

const minimalEvent = `{"event_type":"api_call","title":"GET /orders 500","source":{"service":"orders-api"}}`

// ----------------------------------------------------------------------------
// Tests
// ----------------------------------------------------------------------------

func TestIngestRequiresAPIKey(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/v1/ingestion/events", "", minimalEvent)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decodeBody(t, resp)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "unauthorized", errObj["kind"])
}

func TestIngestRejectsUnknownKey(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/v1/ingestion/events", "pk_live_bad", minimalEvent)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIngestAccepted(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/v1/ingestion/events", "pk_live_good", minimalEvent)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["event_id"])
	assert.Equal(t, false, body["duplicate"])
	assert.Equal(t, 1, f.store.inserted)
}

func TestIngestEchoesClientEventID(t *testing.T) {
	f := newFixture(t)
	withID := `{"event_id":"evt-1","event_type":"api_call","title":"checkout failed","source":{"service":"payments"}}`

	resp := f.do(t, "POST", "/api/v1/ingestion/events", "pk_live_good", withID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "evt-1", body["event_id"])
	assert.NotEmpty(t, body["ingested_at"])
}

func TestIngestDuplicateReturns200(t *testing.T) {
	f := newFixture(t)
	withID := `{"event_id":"client-1","event_type":"api_call","title":"x","source":{"service":"svc"}}`

	first := f.do(t, "POST", "/api/v1/ingestion/events", "pk_live_good", withID)
	require.Equal(t, http.StatusOK, first.StatusCode)
	firstBody := decodeBody(t, first)
	require.Equal(t, false, firstBody["duplicate"])

	second := f.do(t, "POST", "/api/v1/ingestion/events", "pk_live_good", withID)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	secondBody := decodeBody(t, second)
	assert.Equal(t, true, secondBody["duplicate"])
	assert.Equal(t, firstBody["event_id"], secondBody["event_id"])
	assert.Equal(t, 1, f.store.inserted)
}

func TestIngestValidationFailure(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/v1/ingestion/events", "pk_live_good", `{"event_type":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeBody(t, resp)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "invalid_event", errObj["kind"])
	assert.NotEmpty(t, errObj["fields"])
	assert.Zero(t, f.store.inserted)
}

func TestIngestMalformedJSON(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/v1/ingestion/events", "pk_live_good", `{"event_type":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestRateLimited(t *testing.T) {
	f := newFixture(t)
	f.limiter.allowed = 1

	first := f.do(t, "POST", "/api/v1/ingestion/events", "pk_live_good", minimalEvent)
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := f.do(t, "POST", "/api/v1/ingestion/events", "pk_live_good", minimalEvent)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "30", second.Header.Get("Retry-After"))
	assert.NotEmpty(t, second.Header.Get("X-RateLimit-Limit"))

	body := decodeBody(t, second)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "rate_limited", errObj["kind"])
}

func TestBatchPartialSuccess(t *testing.T) {
	f := newFixture(t)
	payload := `{"events":[` + minimalEvent + `,{"event_type":"bogus"}]}`

	resp := f.do(t, "POST", "/api/v1/ingestion/events/batch", "pk_live_good", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "partial", body["processing_status"])
	assert.Equal(t, float64(1), body["successful"])
	assert.Equal(t, float64(1), body["failed"])
	assert.NotEmpty(t, body["batch_id"])
}

func TestBatchAllInvalidReturns400(t *testing.T) {
	f := newFixture(t)
	payload := `{"events":[{"event_type":"bogus"},{"title":"no type"}]}`

	resp := f.do(t, "POST", "/api/v1/ingestion/events/batch", "pk_live_good", payload)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "failed", body["processing_status"])
	assert.Equal(t, float64(0), body["successful"])
	assert.Equal(t, float64(2), body["failed"])
	results := body["results"].([]interface{})
	assert.Len(t, results, 2)
	assert.Zero(t, f.store.inserted)
}

func TestBatchOversizeEnvelope(t *testing.T) {
	f := newFixture(t)
	// fixture service caps batches at 5
	items := make([]string, 6)
	for i := range items {
		items[i] = minimalEvent
	}
	payload := `{"events":[` + strings.Join(items, ",") + `]}`

	resp := f.do(t, "POST", "/api/v1/ingestion/events/batch", "pk_live_good", payload)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, f.store.inserted)
}

func TestGetEventNotFound(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "GET", "/api/v1/ingestion/events/no-such-id", "pk_live_good", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body := decodeBody(t, resp)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "not_found", errObj["kind"])
}

func TestSearchReturnsPage(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "POST", "/api/v1/ingestion/events", "pk_live_good", minimalEvent)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/api/v1/ingestion/events/search?event_type=api_call&limit=10", "pk_live_good", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["total"])
}

func TestSearchRejectsBadFilter(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "GET", "/api/v1/ingestion/events/search?event_type=bogus", "pk_live_good", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoginRejectsUnknownAccount(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/v1/auth/login", "",
		`{"tenant":"acme","email":"ghost@acme.io","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginRequiresAllFields(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/v1/auth/login", "", `{"email":"dev@acme.io"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(core.KindInvalidEvent))
	assert.Equal(t, http.StatusUnauthorized, statusFor(core.KindUnauthorized))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(core.KindRateLimited))
	assert.Equal(t, http.StatusNotFound, statusFor(core.KindNotFound))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(core.KindStoreUnavailable))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(core.KindCacheUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(core.KindConflict),
		"a conflict escaping the recovery path is a server fault")
	assert.Equal(t, http.StatusInternalServerError, statusFor(core.KindInternal))
}

func TestHealthReportsDependencies(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectPing()

	resp := f.do(t, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["database"])
	assert.Equal(t, "connected", body["cache"])
}
