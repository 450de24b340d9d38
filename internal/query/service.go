// Package query serves the tenant-scoped read path: event lookup, search,
// and aggregate statistics.
package query

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pulsestream/backend/internal/core"
	"github.com/pulsestream/backend/internal/metrics"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Store is the slice of the persistence adapter the read path needs.
type Store interface {
	EventByID(ctx context.Context, tenantID, eventID string) (*core.Event, error)
	EventByExternalID(ctx context.Context, tenantID, externalID string) (*core.Event, error)
	SearchEvents(ctx context.Context, tenantID string, filter core.EventFilter) ([]*core.Event, int64, error)
	AggregateStats(ctx context.Context, tenantID string, window core.StatsWindow) (*core.Stats, error)
	CountEventsSince(ctx context.Context, tenantID string, since time.Time) (int64, error)
	LastEventAt(ctx context.Context, tenantID string) (*time.Time, error)
}

// QueueDepth reports how many committed events still await processing.
type QueueDepth interface {
	Depth(ctx context.Context) (int64, error)
}

// SearchResult pairs a result page with the total match count.
type SearchResult struct {
	Events []*core.Event `json:"events"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// IngestionStats is the operational snapshot of a tenant's write path.
// Breakdown and error rate cover the current UTC day.
type IngestionStats struct {
	EventsToday      int64            `json:"events_today"`
	EventsLastHour   int64            `json:"events_last_hour"`
	EventsLastMinute int64            `json:"events_last_minute"`
	ByType           map[string]int64 `json:"by_event_type"`
	BySeverity       map[string]int64 `json:"by_severity"`
	ErrorRate        float64          `json:"error_rate"`
	LastEventAt      *time.Time       `json:"last_event_at,omitempty"`
	QueueDepth       int64            `json:"queue_depth"`
}

// Service is the read-path coordinator.
type Service struct {
	store Store
	queue QueueDepth
	now   func() time.Time
}

// NewService wires the read path.
func NewService(store Store, queue QueueDepth) *Service {
	return &Service{store: store, queue: queue, now: time.Now}
}

// GetEvent fetches one event within the tenant boundary. Ingest responses
// echo the submitter's own id when one was supplied, so a non-UUID lookup
// goes through the external-id index instead of the primary key.
func (s *Service) GetEvent(ctx context.Context, tenantID, eventID string) (*core.Event, error) {
	start := s.now()
	defer func() { metrics.QueryDuration.WithLabelValues("get").Observe(time.Since(start).Seconds()) }()

	if _, err := uuid.Parse(eventID); err != nil {
		return s.store.EventByExternalID(ctx, tenantID, eventID)
	}
	return s.store.EventByID(ctx, tenantID, eventID)
}

// Search runs a filtered, paginated event search. Limits are clamped, not
// rejected; a client asking for too much gets the cap.
func (s *Service) Search(ctx context.Context, tenantID string, filter core.EventFilter) (*SearchResult, error) {
	start := s.now()
	defer func() { metrics.QueryDuration.WithLabelValues("search").Observe(time.Since(start).Seconds()) }()

	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	events, total, err := s.store.SearchEvents(ctx, tenantID, filter)
	if err != nil {
		return nil, err
	}
	return &SearchResult{Events: events, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Stats aggregates event counts over a window. A zero window defaults to
// the last 24 hours.
func (s *Service) Stats(ctx context.Context, tenantID string, window core.StatsWindow) (*core.Stats, error) {
	start := s.now()
	defer func() { metrics.QueryDuration.WithLabelValues("stats").Observe(time.Since(start).Seconds()) }()

	now := s.now().UTC()
	if window.End.IsZero() {
		window.End = now
	}
	if window.Start.IsZero() {
		window.Start = window.End.Add(-24 * time.Hour)
	}
	if window.End.Before(window.Start) {
		return nil, core.E(core.KindInvalidEvent, "stats window end precedes start")
	}
	return s.store.AggregateStats(ctx, tenantID, window)
}

// IngestionStats reports recent write-path activity for a tenant. Queue
// depth degrades to zero when the cache is unreachable; the snapshot is
// advisory, not transactional.
func (s *Service) IngestionStats(ctx context.Context, tenantID string) (*IngestionStats, error) {
	start := s.now()
	defer func() { metrics.QueryDuration.WithLabelValues("ingestion_stats").Observe(time.Since(start).Seconds()) }()

	now := s.now().UTC()
	out := &IngestionStats{}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var err error
	if out.EventsToday, err = s.store.CountEventsSince(ctx, tenantID, dayStart); err != nil {
		return nil, err
	}
	if out.EventsLastHour, err = s.store.CountEventsSince(ctx, tenantID, now.Add(-time.Hour)); err != nil {
		return nil, err
	}
	if out.EventsLastMinute, err = s.store.CountEventsSince(ctx, tenantID, now.Add(-time.Minute)); err != nil {
		return nil, err
	}
	if out.LastEventAt, err = s.store.LastEventAt(ctx, tenantID); err != nil {
		return nil, err
	}

	day, err := s.store.AggregateStats(ctx, tenantID, core.StatsWindow{Start: dayStart, End: now})
	if err != nil {
		return nil, err
	}
	out.ByType = day.ByType
	out.BySeverity = day.BySeverity
	if day.Total > 0 {
		out.ErrorRate = float64(day.BySeverity[string(core.SeverityError)]+
			day.BySeverity[string(core.SeverityCritical)]) / float64(day.Total)
	}
	if depth, err := s.queue.Depth(ctx); err == nil {
		out.QueueDepth = depth
	}
	return out, nil
}
