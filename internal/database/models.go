package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulsestream/backend/internal/core"
)

// Row types mirror table layout one to one; conversion to the core domain
// model happens here so callers never see sql.Null* or raw JSONB.

type tenantRow struct {
	ID                 string         `db:"id"`
	Name               string         `db:"name"`
	Slug               string         `db:"slug"`
	ContactEmail       sql.NullString `db:"contact_email"`
	APIKey             string         `db:"api_key"`
	IsActive           bool           `db:"is_active"`
	RateLimitPerMinute int            `db:"rate_limit_per_minute"`
	MaxEventsPerMonth  sql.NullInt64  `db:"max_events_per_month"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
	LastActivityAt     sql.NullTime   `db:"last_activity_at"`
	IsDeleted          bool           `db:"is_deleted"`
}

func (r *tenantRow) toCore() *core.Tenant {
	t := &core.Tenant{
		ID:                 r.ID,
		Name:               r.Name,
		Slug:               r.Slug,
		APIKey:             r.APIKey,
		IsActive:           r.IsActive,
		RateLimitPerMinute: r.RateLimitPerMinute,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.ContactEmail.Valid {
		t.ContactEmail = r.ContactEmail.String
	}
	if r.MaxEventsPerMonth.Valid {
		n := int(r.MaxEventsPerMonth.Int64)
		t.MaxEventsPerMonth = &n
	}
	if r.LastActivityAt.Valid {
		ts := r.LastActivityAt.Time
		t.LastActivityAt = &ts
	}
	return t
}

type userRow struct {
	ID                  string         `db:"id"`
	TenantID            string         `db:"tenant_id"`
	Email               string         `db:"email"`
	FullName            sql.NullString `db:"full_name"`
	HashedPassword      string         `db:"hashed_password"`
	Role                string         `db:"role"`
	IsActive            bool           `db:"is_active"`
	FailedLoginAttempts int            `db:"failed_login_attempts"`
	LockedUntil         sql.NullTime   `db:"locked_until"`
	LastLoginAt         sql.NullTime   `db:"last_login_at"`
	CreatedAt           time.Time      `db:"created_at"`
	IsDeleted           bool           `db:"is_deleted"`
}

func (r *userRow) toCore() *core.User {
	u := &core.User{
		ID:                  r.ID,
		TenantID:            r.TenantID,
		Email:               r.Email,
		HashedPassword:      r.HashedPassword,
		Role:                core.Role(r.Role),
		IsActive:            r.IsActive,
		FailedLoginAttempts: r.FailedLoginAttempts,
		CreatedAt:           r.CreatedAt,
	}
	if r.FullName.Valid {
		u.FullName = r.FullName.String
	}
	if r.LockedUntil.Valid {
		ts := r.LockedUntil.Time
		u.LockedUntil = &ts
	}
	if r.LastLoginAt.Valid {
		ts := r.LastLoginAt.Time
		u.LastLoginAt = &ts
	}
	return u
}

type eventRow struct {
	ID                string         `db:"id"`
	TenantID          string         `db:"tenant_id"`
	ExternalID        sql.NullString `db:"external_id"`
	EventType         string         `db:"event_type"`
	Severity          string         `db:"severity"`
	Title             string         `db:"title"`
	Message           sql.NullString `db:"message"`
	SourceService     string         `db:"source_service"`
	SourceEndpoint    sql.NullString `db:"source_endpoint"`
	SourceMethod      sql.NullString `db:"source_method"`
	SourceVersion     sql.NullString `db:"source_version"`
	SourceEnvironment sql.NullString `db:"source_environment"`
	Context           []byte         `db:"context"`
	Metrics           []byte         `db:"metrics"`
	Payload           []byte         `db:"payload"`
	EventTimestamp    time.Time      `db:"event_timestamp"`
	IngestedAt        time.Time      `db:"ingested_at"`
	ProcessingStatus  string         `db:"processing_status"`
	IsDeleted         bool           `db:"is_deleted"`
}

func (r *eventRow) toCore() (*core.Event, error) {
	ev := &core.Event{
		ID:       r.ID,
		TenantID: r.TenantID,
		Type:     core.EventType(r.EventType),
		Severity: core.Severity(r.Severity),
		Title:    r.Title,
		Source: core.EventSource{
			Service: r.SourceService,
		},
		Timestamp:  r.EventTimestamp,
		IngestedAt: r.IngestedAt,
		Status:     core.ProcessingStatus(r.ProcessingStatus),
		IsDeleted:  r.IsDeleted,
	}
	if r.ExternalID.Valid {
		ev.ExternalID = r.ExternalID.String
	}
	if r.Message.Valid {
		ev.Message = r.Message.String
	}
	if r.SourceEndpoint.Valid {
		ev.Source.Endpoint = r.SourceEndpoint.String
	}
	if r.SourceMethod.Valid {
		ev.Source.Method = r.SourceMethod.String
	}
	if r.SourceVersion.Valid {
		ev.Source.Version = r.SourceVersion.String
	}
	if r.SourceEnvironment.Valid {
		ev.Source.Environment = r.SourceEnvironment.String
	}
	if len(r.Context) > 0 {
		var c core.EventContext
		if err := json.Unmarshal(r.Context, &c); err != nil {
			return nil, fmt.Errorf("decode event context: %w", err)
		}
		ev.Context = &c
	}
	if len(r.Metrics) > 0 {
		var m core.EventMetrics
		if err := json.Unmarshal(r.Metrics, &m); err != nil {
			return nil, fmt.Errorf("decode event metrics: %w", err)
		}
		ev.Metrics = &m
	}
	if len(r.Payload) > 0 {
		var p map[string]interface{}
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		ev.Payload = p
	}
	return ev, nil
}

func eventRowFromCore(ev *core.Event) (*eventRow, error) {
	r := &eventRow{
		ID:               ev.ID,
		TenantID:         ev.TenantID,
		EventType:        string(ev.Type),
		Severity:         string(ev.Severity),
		Title:            ev.Title,
		SourceService:    ev.Source.Service,
		EventTimestamp:   ev.Timestamp,
		IngestedAt:       ev.IngestedAt,
		ProcessingStatus: string(ev.Status),
	}
	if ev.ExternalID != "" {
		r.ExternalID = sql.NullString{String: ev.ExternalID, Valid: true}
	}
	if ev.Message != "" {
		r.Message = sql.NullString{String: ev.Message, Valid: true}
	}
	if ev.Source.Endpoint != "" {
		r.SourceEndpoint = sql.NullString{String: ev.Source.Endpoint, Valid: true}
	}
	if ev.Source.Method != "" {
		r.SourceMethod = sql.NullString{String: ev.Source.Method, Valid: true}
	}
	if ev.Source.Version != "" {
		r.SourceVersion = sql.NullString{String: ev.Source.Version, Valid: true}
	}
	if ev.Source.Environment != "" {
		r.SourceEnvironment = sql.NullString{String: ev.Source.Environment, Valid: true}
	}
	var err error
	if ev.Context != nil {
		if r.Context, err = json.Marshal(ev.Context); err != nil {
			return nil, fmt.Errorf("encode event context: %w", err)
		}
	}
	if ev.Metrics != nil {
		if r.Metrics, err = json.Marshal(ev.Metrics); err != nil {
			return nil, fmt.Errorf("encode event metrics: %w", err)
		}
	}
	if ev.Payload != nil {
		if r.Payload, err = json.Marshal(ev.Payload); err != nil {
			return nil, fmt.Errorf("encode event payload: %w", err)
		}
	}
	return r, nil
}
