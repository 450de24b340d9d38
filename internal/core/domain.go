package core

import "time"

// EventType is the closed set of event kinds accepted by ingestion.
type EventType string

const (
	EventTypeAPICall    EventType = "api_call"
	EventTypeUserAction EventType = "user_action"
	EventTypeSystem     EventType = "system_event"
	EventTypeError      EventType = "error_event"
	EventTypeCustom     EventType = "custom_event"
)

// ValidEventType reports whether t is a member of the closed set.
func ValidEventType(t EventType) bool {
	switch t {
	case EventTypeAPICall, EventTypeUserAction, EventTypeSystem, EventTypeError, EventTypeCustom:
		return true
	}
	return false
}

// Severity is the closed set of event severity levels.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ValidSeverity reports whether s is a member of the closed set.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// ProcessingStatus tracks an event through the post-ingest pipeline.
// The write path only ever sets StatusQueued; the worker and sweeper own
// every other transition.
type ProcessingStatus string

const (
	StatusQueued     ProcessingStatus = "queued"
	StatusProcessing ProcessingStatus = "processing"
	StatusProcessed  ProcessingStatus = "processed"
	StatusFailed     ProcessingStatus = "failed"
)

// Role is a user's role within a tenant.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// Tenant is an isolated customer account, the unit of data separation.
type Tenant struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Slug               string     `json:"slug"`
	ContactEmail       string     `json:"contact_email,omitempty"`
	APIKey             string     `json:"-"`
	IsActive           bool       `json:"is_active"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	MaxEventsPerMonth  *int       `json:"max_events_per_month,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastActivityAt     *time.Time `json:"last_activity_at,omitempty"`
}

// User is a human identity bound to exactly one tenant. Used by the
// session-token auth path only; machine clients authenticate per tenant.
type User struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	Email               string     `json:"email"`
	FullName            string     `json:"full_name,omitempty"`
	HashedPassword      string     `json:"-"`
	Role                Role       `json:"role"`
	IsActive            bool       `json:"is_active"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Locked reports whether the account is currently locked out.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// EventSource describes where an event originated.
type EventSource struct {
	Service     string `json:"service"`
	Endpoint    string `json:"endpoint,omitempty"`
	Method      string `json:"method,omitempty"`
	Version     string `json:"version,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// EventContext carries request-scoped attribution for an event.
type EventContext struct {
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// EventMetrics holds optional numeric measurements attached to an event.
type EventMetrics struct {
	ResponseTimeMs    *float64 `json:"response_time_ms,omitempty"`
	StatusCode        *int     `json:"status_code,omitempty"`
	RequestSizeBytes  *int64   `json:"request_size_bytes,omitempty"`
	ResponseSizeBytes *int64   `json:"response_size_bytes,omitempty"`
	CacheHit          *bool    `json:"cache_hit,omitempty"`
}

// Event is an immutable observability record. Created once inside a single
// transaction by the ingestion coordinator; after that only the processing
// status changes, and never via the write path.
type Event struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	ExternalID string    `json:"external_id,omitempty"`
	Type       EventType `json:"event_type"`
	Severity   Severity  `json:"severity"`
	Title      string    `json:"title"`
	Message    string    `json:"message,omitempty"`

	Source  EventSource            `json:"source"`
	Context *EventContext          `json:"context,omitempty"`
	Metrics *EventMetrics          `json:"metrics,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`

	Timestamp  time.Time        `json:"timestamp"`
	IngestedAt time.Time        `json:"ingested_at"`
	Status     ProcessingStatus `json:"processing_status"`
	IsDeleted  bool             `json:"-"`
}
