// Package ingestion coordinates the event write path: validation, rate
// limiting, idempotent persistence, and the post-commit queue handoff.
package ingestion

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pulsestream/backend/internal/core"
	"github.com/pulsestream/backend/internal/database"
	"github.com/pulsestream/backend/internal/metrics"
	"github.com/pulsestream/backend/internal/ratelimit"
)

// Store is the slice of the persistence adapter the coordinator needs.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx *database.Tx) error) error
	InsertEvent(ctx context.Context, tx *database.Tx, ev *core.Event) error
	EventByExternalID(ctx context.Context, tenantID, externalID string) (*core.Event, error)
}

// Result is the outcome of a single accepted event. EventID echoes the
// client-supplied external id when one was given; otherwise it is the
// server-assigned id.
type Result struct {
	Success    bool              `json:"success"`
	EventID    string            `json:"event_id"`
	Duplicate  bool              `json:"duplicate"`
	IngestedAt time.Time         `json:"ingested_at"`
	Rate       *ratelimit.Result `json:"-"`
}

// clientEventID picks the identifier the submitter knows the event by.
func clientEventID(ev *core.Event) string {
	if ev.ExternalID != "" {
		return ev.ExternalID
	}
	return ev.ID
}

// Service is the ingestion coordinator. The ordering of its steps is
// load-bearing: validation happens before the rate limiter so malformed
// requests never consume quota, and the queue handoff happens only after
// the insert commits.
type Service struct {
	store        Store
	limiter      ratelimit.Limiter
	queue        Enqueuer
	validator    *Validator
	maxBatchSize int
	now          func() time.Time
}

// NewService wires the coordinator.
func NewService(store Store, limiter ratelimit.Limiter, queue Enqueuer, validator *Validator, maxBatchSize int) *Service {
	return &Service{
		store:        store,
		limiter:      limiter,
		queue:        queue,
		validator:    validator,
		maxBatchSize: maxBatchSize,
		now:          time.Now,
	}
}

// Ingest runs the full single-event write path for an authenticated tenant.
func (s *Service) Ingest(ctx context.Context, tenant *core.Tenant, req *EventRequest) (*Result, error) {
	start := s.now()
	res, err := s.ingest(ctx, tenant, req)
	metrics.IngestDuration.Observe(s.now().Sub(start).Seconds())
	switch {
	case err == nil && res.Duplicate:
		metrics.IngestTotal.WithLabelValues("duplicate").Inc()
	case err == nil:
		metrics.IngestTotal.WithLabelValues("created").Inc()
	case core.IsKind(err, core.KindInvalidEvent):
		metrics.IngestTotal.WithLabelValues("invalid").Inc()
	case core.IsKind(err, core.KindRateLimited):
		metrics.IngestTotal.WithLabelValues("rate_limited").Inc()
		metrics.RateLimitedTotal.Inc()
	default:
		metrics.IngestTotal.WithLabelValues("error").Inc()
	}
	return res, err
}

func (s *Service) ingest(ctx context.Context, tenant *core.Tenant, req *EventRequest) (*Result, error) {
	ev, err := s.validator.Validate(req)
	if err != nil {
		return nil, err
	}

	rate, err := s.limiter.CheckAndIncrement(ctx, tenant.ID, tenant.RateLimitPerMinute)
	if err != nil {
		return nil, err
	}
	if rate.Degraded {
		metrics.DegradedAdmissionsTotal.Inc()
	}
	if !rate.Allowed {
		return &Result{Rate: rate}, core.E(core.KindRateLimited, "tenant rate limit exceeded").
			WithDetail("limit", rate.Limit).
			WithDetail("retry_after_seconds", int(rate.ResetAfter/time.Second))
	}

	// Idempotency pre-check. The partial unique index remains the real
	// serialization point; this read only spares the common retry a
	// wasted insert.
	if ev.ExternalID != "" {
		existing, err := s.store.EventByExternalID(ctx, tenant.ID, ev.ExternalID)
		switch {
		case err == nil:
			return &Result{Success: true, EventID: clientEventID(existing), Duplicate: true, IngestedAt: existing.IngestedAt, Rate: rate}, nil
		case !core.IsKind(err, core.KindNotFound):
			return nil, err
		}
	}

	ev.ID = uuid.NewString()
	ev.TenantID = tenant.ID
	ev.IngestedAt = s.now().UTC()
	ev.Status = core.StatusQueued

	err = s.store.RunInTx(ctx, func(tx *database.Tx) error {
		return s.store.InsertEvent(ctx, tx, ev)
	})
	if err != nil {
		if core.IsKind(err, core.KindConflict) && ev.ExternalID != "" {
			// A concurrent submit won the insert race. Surface its row.
			existing, lookupErr := s.store.EventByExternalID(ctx, tenant.ID, ev.ExternalID)
			if lookupErr == nil {
				return &Result{Success: true, EventID: clientEventID(existing), Duplicate: true, IngestedAt: existing.IngestedAt, Rate: rate}, nil
			}
			slog.Error("duplicate reload after conflict failed",
				"tenant_id", tenant.ID, "external_id", ev.ExternalID, "error", lookupErr)
			return nil, lookupErr
		}
		return nil, err
	}

	// The event is durable from here on. A failed handoff is logged and
	// left to the queued-status sweeper, never surfaced to the client.
	if err := s.queue.Enqueue(ctx, ev); err != nil {
		metrics.EnqueueFailuresTotal.Inc()
		slog.Error("queue handoff failed", "tenant_id", tenant.ID, "event_id", ev.ID, "error", err)
	}

	return &Result{Success: true, EventID: clientEventID(ev), IngestedAt: ev.IngestedAt, Rate: rate}, nil
}
