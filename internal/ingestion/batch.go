package ingestion

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pulsestream/backend/internal/core"
	"github.com/pulsestream/backend/internal/metrics"
)

// Batch outcome statuses.
const (
	BatchCompleted = "completed"
	BatchPartial   = "partial"
	BatchFailed    = "failed"
)

// ItemResult is the per-element outcome inside a batch response. Exactly
// one of EventID or Error is meaningful, keyed on Status.
type ItemResult struct {
	Index     int               `json:"index"`
	Status    string            `json:"status"` // created, duplicate, failed
	EventID   string            `json:"event_id,omitempty"`
	ErrorKind core.Kind         `json:"error_kind,omitempty"`
	Error     string            `json:"error,omitempty"`
	Fields    []core.FieldError `json:"fields,omitempty"`
}

// BatchResult summarizes a batch submission. The envelope succeeds even
// when individual events fail; only envelope-level faults reject the whole
// request.
type BatchResult struct {
	BatchID    string       `json:"batch_id"`
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Status     string       `json:"processing_status"`
	Results    []ItemResult `json:"results"`
}

// IngestBatch runs the single-event pipeline per element, in order,
// collecting every outcome. Each element consumes its own rate limit slot;
// one oversized tenant cannot hide behind an envelope.
func (s *Service) IngestBatch(ctx context.Context, tenant *core.Tenant, reqs []EventRequest) (*BatchResult, error) {
	if len(reqs) == 0 {
		return nil, core.E(core.KindInvalidEvent, "batch must contain at least one event")
	}
	if len(reqs) > s.maxBatchSize {
		return nil, core.E(core.KindInvalidEvent,
			fmt.Sprintf("batch exceeds the maximum of %d events", s.maxBatchSize)).
			WithDetail("max_batch_size", s.maxBatchSize).
			WithDetail("received", len(reqs))
	}
	metrics.BatchSize.Observe(float64(len(reqs)))

	out := &BatchResult{
		BatchID: uuid.NewString(),
		Total:   len(reqs),
		Results: make([]ItemResult, 0, len(reqs)),
	}
	for i := range reqs {
		item := ItemResult{Index: i}
		res, err := s.Ingest(ctx, tenant, &reqs[i])
		switch {
		case err != nil:
			item.Status = "failed"
			item.ErrorKind = core.KindOf(err)
			item.Error = errMessage(err)
			if ce := asCoreError(err); ce != nil {
				item.Fields = ce.Fields
			}
			out.Failed++
		case res.Duplicate:
			item.Status = "duplicate"
			item.EventID = res.EventID
			out.Successful++
		default:
			item.Status = "created"
			item.EventID = res.EventID
			out.Successful++
		}
		out.Results = append(out.Results, item)
	}

	switch {
	case out.Failed == 0:
		out.Status = BatchCompleted
	case out.Successful == 0:
		out.Status = BatchFailed
	default:
		out.Status = BatchPartial
	}
	return out, nil
}

func asCoreError(err error) *core.Error {
	if ce, ok := err.(*core.Error); ok {
		return ce
	}
	return nil
}

func errMessage(err error) string {
	if ce := asCoreError(err); ce != nil {
		return ce.Message
	}
	return err.Error()
}
