package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsestream/backend/internal/core"
)

type stubStore struct {
	events     map[string]*core.Event
	lastFilter core.EventFilter
	lastWindow core.StatsWindow
	counts     map[time.Time]int64
	lastEvent  *time.Time
	stats      *core.Stats
}

func (s *stubStore) EventByID(ctx context.Context, tenantID, eventID string) (*core.Event, error) {
	if ev, ok := s.events[eventID]; ok && ev.TenantID == tenantID {
		return ev, nil
	}
	return nil, core.E(core.KindNotFound, "event not found")
}

func (s *stubStore) EventByExternalID(ctx context.Context, tenantID, externalID string) (*core.Event, error) {
	for _, ev := range s.events {
		if ev.TenantID == tenantID && ev.ExternalID == externalID {
			return ev, nil
		}
	}
	return nil, core.E(core.KindNotFound, "event not found")
}

func (s *stubStore) SearchEvents(ctx context.Context, tenantID string, filter core.EventFilter) ([]*core.Event, int64, error) {
	s.lastFilter = filter
	return nil, 0, nil
}

func (s *stubStore) AggregateStats(ctx context.Context, tenantID string, window core.StatsWindow) (*core.Stats, error) {
	s.lastWindow = window
	if s.stats != nil {
		return s.stats, nil
	}
	return &core.Stats{ByType: map[string]int64{}, BySeverity: map[string]int64{}, Window: window}, nil
}

func (s *stubStore) CountEventsSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	return s.counts[since], nil
}

func (s *stubStore) LastEventAt(ctx context.Context, tenantID string) (*time.Time, error) {
	return s.lastEvent, nil
}

type stubDepth struct {
	depth int64
	err   error
}

func (s *stubDepth) Depth(ctx context.Context) (int64, error) { return s.depth, s.err }

func TestGetEventTenantScoped(t *testing.T) {
	store := &stubStore{events: map[string]*core.Event{
		"e1": {ID: "e1", TenantID: "t1"},
	}}
	svc := NewService(store, &stubDepth{})
	ctx := context.Background()

	ev, err := svc.GetEvent(ctx, "t1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", ev.ID)

	_, err = svc.GetEvent(ctx, "t2", "e1")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound),
		"another tenant's event reads as missing, never as forbidden")
}

func TestGetEventResolvesClientSuppliedID(t *testing.T) {
	store := &stubStore{events: map[string]*core.Event{
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8": {
			ID:         "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
			TenantID:   "t1",
			ExternalID: "evt-1",
		},
	}}
	svc := NewService(store, &stubDepth{})

	ev, err := svc.GetEvent(context.Background(), "t1", "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "evt-1", ev.ExternalID)

	_, err = svc.GetEvent(context.Background(), "t1", "evt-unknown")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestSearchClampsPagination(t *testing.T) {
	store := &stubStore{}
	svc := NewService(store, &stubDepth{})
	ctx := context.Background()

	_, err := svc.Search(ctx, "t1", core.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, defaultLimit, store.lastFilter.Limit)

	_, err = svc.Search(ctx, "t1", core.EventFilter{Limit: 9999, Offset: -4})
	require.NoError(t, err)
	assert.Equal(t, maxLimit, store.lastFilter.Limit)
	assert.Zero(t, store.lastFilter.Offset)
}

func TestStatsDefaultsWindow(t *testing.T) {
	store := &stubStore{}
	svc := NewService(store, &stubDepth{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	_, err := svc.Stats(context.Background(), "t1", core.StatsWindow{})
	require.NoError(t, err)
	assert.Equal(t, now, store.lastWindow.End)
	assert.Equal(t, now.Add(-24*time.Hour), store.lastWindow.Start)
}

func TestStatsRejectsInvertedWindow(t *testing.T) {
	svc := NewService(&stubStore{}, &stubDepth{})

	_, err := svc.Stats(context.Background(), "t1", core.StatsWindow{
		Start: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidEvent))
}

func TestIngestionStatsSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	last := now.Add(-2 * time.Minute)
	store := &stubStore{
		counts: map[time.Time]int64{
			time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC): 900,
			now.Add(-time.Hour):                          120,
			now.Add(-time.Minute):                        3,
		},
		lastEvent: &last,
		stats: &core.Stats{
			Total:      900,
			ByType:     map[string]int64{"api_call": 880, "error_event": 20},
			BySeverity: map[string]int64{"info": 855, "error": 36, "critical": 9},
		},
	}
	svc := NewService(store, &stubDepth{depth: 17})
	svc.now = func() time.Time { return now }

	stats, err := svc.IngestionStats(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), stats.EventsToday)
	assert.Equal(t, int64(120), stats.EventsLastHour)
	assert.Equal(t, int64(3), stats.EventsLastMinute)
	assert.Equal(t, int64(17), stats.QueueDepth)
	assert.Equal(t, &last, stats.LastEventAt)
	assert.Equal(t, int64(880), stats.ByType["api_call"])
	assert.InDelta(t, 0.05, stats.ErrorRate, 1e-9)
}

func TestIngestionStatsQueueOutageDegrades(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	store := &stubStore{counts: map[time.Time]int64{}}
	svc := NewService(store, &stubDepth{err: assert.AnError})
	svc.now = func() time.Time { return now }

	stats, err := svc.IngestionStats(context.Background(), "t1")
	require.NoError(t, err, "a dead cache degrades the snapshot, it does not fail it")
	assert.Zero(t, stats.QueueDepth)
}
