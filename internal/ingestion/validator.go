package ingestion

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/pulsestream/backend/internal/core"
)

// Wire-format limits. These bound column widths, not business meaning.
const (
	maxExternalIDLen  = 128
	maxTitleLen       = 512
	maxMessageLen     = 65536
	maxServiceLen     = 255
	maxEndpointLen    = 1024
	maxMethodLen      = 10
	maxVersionLen     = 50
	maxEnvironmentLen = 50
)

// SourceRequest is the wire shape of an event's origin.
type SourceRequest struct {
	Service     string `json:"service"`
	Endpoint    string `json:"endpoint,omitempty"`
	Method      string `json:"method,omitempty"`
	Version     string `json:"version,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// EventRequest is the wire shape of a single event submission.
type EventRequest struct {
	EventID   string                 `json:"event_id,omitempty"`
	EventType string                 `json:"event_type"`
	Severity  string                 `json:"severity,omitempty"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message,omitempty"`
	Source    *SourceRequest         `json:"source"`
	Context   *core.EventContext     `json:"context,omitempty"`
	Metrics   *core.EventMetrics     `json:"metrics,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
}

// Validator applies every admission rule to a submission and reports all
// failures at once, so a client fixes a bad event in one round trip.
type Validator struct {
	maxPayloadBytes  int64
	clockSkew        time.Duration
	retentionHorizon time.Duration
	now              func() time.Time
}

// NewValidator builds a validator with the given admission bounds.
func NewValidator(maxPayloadBytes int64, clockSkew, retentionHorizon time.Duration) *Validator {
	return &Validator{
		maxPayloadBytes:  maxPayloadBytes,
		clockSkew:        clockSkew,
		retentionHorizon: retentionHorizon,
		now:              time.Now,
	}
}

// Validate checks req against every admission rule and, when all pass,
// returns a normalized event. Identity fields (id, tenant, ingested_at,
// status) are left for the coordinator.
func (v *Validator) Validate(req *EventRequest) (*core.Event, error) {
	var fields []core.FieldError
	fail := func(path, format string, args ...interface{}) {
		fields = append(fields, core.FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if req.EventType == "" {
		fail("event_type", "event_type is required")
	} else if !core.ValidEventType(core.EventType(req.EventType)) {
		fail("event_type", "unknown event_type %q", req.EventType)
	}

	severity := core.SeverityInfo
	if req.Severity != "" {
		severity = core.Severity(req.Severity)
		if !core.ValidSeverity(severity) {
			fail("severity", "unknown severity %q", req.Severity)
		}
	}

	// The title cap counts characters, not bytes, so multi-byte text
	// gets the same budget as ASCII.
	if req.Title == "" {
		fail("title", "title is required")
	} else if utf8.RuneCountInString(req.Title) > maxTitleLen {
		fail("title", "title exceeds %d characters", maxTitleLen)
	}
	if len(req.Message) > maxMessageLen {
		fail("message", "message exceeds %d characters", maxMessageLen)
	}
	if len(req.EventID) > maxExternalIDLen {
		fail("event_id", "event_id exceeds %d characters", maxExternalIDLen)
	}

	if req.Source == nil || req.Source.Service == "" {
		fail("source.service", "source.service is required")
	} else {
		if len(req.Source.Service) > maxServiceLen {
			fail("source.service", "service exceeds %d characters", maxServiceLen)
		}
		if len(req.Source.Endpoint) > maxEndpointLen {
			fail("source.endpoint", "endpoint exceeds %d characters", maxEndpointLen)
		}
		if len(req.Source.Method) > maxMethodLen {
			fail("source.method", "method exceeds %d characters", maxMethodLen)
		}
		if len(req.Source.Version) > maxVersionLen {
			fail("source.version", "version exceeds %d characters", maxVersionLen)
		}
		if len(req.Source.Environment) > maxEnvironmentLen {
			fail("source.environment", "environment exceeds %d characters", maxEnvironmentLen)
		}
	}

	now := v.now().UTC()
	timestamp := now
	if req.Timestamp != "" {
		ts, err := parseTimestamp(req.Timestamp)
		switch {
		case err != nil:
			fail("timestamp", "timestamp is not a valid RFC 3339 time")
		case ts.After(now.Add(v.clockSkew)):
			fail("timestamp", "timestamp is more than %s in the future", v.clockSkew)
		case ts.Before(now.Add(-v.retentionHorizon)):
			fail("timestamp", "timestamp is older than the %s retention horizon", v.retentionHorizon)
		default:
			timestamp = ts
		}
	}

	if req.Metrics != nil {
		validateMetrics(req.Metrics, fail)
	}

	if req.Payload != nil {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			fail("payload", "payload is not serializable")
		} else if int64(len(raw)) > v.maxPayloadBytes {
			fail("payload", "payload exceeds %d bytes", v.maxPayloadBytes)
		}
	}

	if len(fields) > 0 {
		return nil, core.ValidationError(fields)
	}

	ev := &core.Event{
		ExternalID: req.EventID,
		Type:       core.EventType(req.EventType),
		Severity:   severity,
		Title:      req.Title,
		Message:    req.Message,
		Source: core.EventSource{
			Service:     req.Source.Service,
			Endpoint:    req.Source.Endpoint,
			Method:      req.Source.Method,
			Version:     req.Source.Version,
			Environment: req.Source.Environment,
		},
		Context:   req.Context,
		Metrics:   req.Metrics,
		Payload:   req.Payload,
		Timestamp: timestamp,
	}
	return ev, nil
}

func validateMetrics(m *core.EventMetrics, fail func(path, format string, args ...interface{})) {
	if m.ResponseTimeMs != nil && *m.ResponseTimeMs < 0 {
		fail("metrics.response_time_ms", "response_time_ms must be non-negative")
	}
	if m.StatusCode != nil && (*m.StatusCode < 100 || *m.StatusCode > 599) {
		fail("metrics.status_code", "status_code must be between 100 and 599")
	}
	if m.RequestSizeBytes != nil && *m.RequestSizeBytes < 0 {
		fail("metrics.request_size_bytes", "request_size_bytes must be non-negative")
	}
	if m.ResponseSizeBytes != nil && *m.ResponseSizeBytes < 0 {
		fail("metrics.response_size_bytes", "response_size_bytes must be non-negative")
	}
}

// parseTimestamp accepts RFC 3339 with or without a zone offset; zoneless
// values are read as UTC.
func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse("2006-01-02T15:04:05.999999999", s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
