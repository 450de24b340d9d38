// Package database is the single gateway to the relational store. Every
// tenant-scoped query in this package carries the tenant id and the
// soft-delete predicate; handlers and services never touch SQL directly.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/pulsestream/backend/internal/core"
)

const uniqueExternalIDConstraint = "uq_events_tenant_external_id"

// Store wraps the Postgres connection pool with typed, tenant-scoped
// operations.
type Store struct {
	db *sqlx.DB
}

// Connect opens the pool and verifies connectivity, retrying with
// exponential backoff so the service survives a database that comes up
// slightly after it does.
func Connect(ctx context.Context, url string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	}, bo); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	slog.Info("postgres connected", "max_open_conns", maxOpen)
	return &Store{db: db}, nil
}

// NewStore wraps an existing pool; used by tests with sqlmock.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close shuts down the pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports store connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx is the transaction handle threaded through the write path.
type Tx = sqlx.Tx

// RunInTx executes fn inside a transaction, committing on nil and rolling
// back on any error. The context deadline bounds every statement.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Error("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Tenants
// ----------------------------------------------------------------------------

const tenantColumns = `id, name, slug, contact_email, api_key, is_active,
	rate_limit_per_minute, max_events_per_month, created_at, updated_at,
	last_activity_at, is_deleted`

// TenantByAPIKey resolves a credential to a tenant. Inactive tenants are
// returned so the registry can distinguish "unknown" from "suspended".
func (s *Store) TenantByAPIKey(ctx context.Context, apiKey string) (*core.Tenant, error) {
	var row tenantRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+tenantColumns+` FROM tenants WHERE api_key = $1 AND is_deleted = FALSE`,
		apiKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.E(core.KindNotFound, "tenant not found")
		}
		return nil, classify(err)
	}
	return row.toCore(), nil
}

// TenantByID fetches a tenant by id.
func (s *Store) TenantByID(ctx context.Context, id string) (*core.Tenant, error) {
	var row tenantRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1 AND is_deleted = FALSE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.E(core.KindNotFound, "tenant not found")
		}
		return nil, classify(err)
	}
	return row.toCore(), nil
}

// TenantBySlug fetches a tenant by its url-safe slug (login flow).
func (s *Store) TenantBySlug(ctx context.Context, slug string) (*core.Tenant, error) {
	var row tenantRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+tenantColumns+` FROM tenants WHERE slug = $1 AND is_deleted = FALSE`, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.E(core.KindNotFound, "tenant not found")
		}
		return nil, classify(err)
	}
	return row.toCore(), nil
}

// TouchTenantActivity records the last time a tenant credential was used.
// Best effort; callers ignore the error.
func (s *Store) TouchTenantActivity(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET last_activity_at = now() WHERE id = $1`, tenantID)
	return classify(err)
}

// ----------------------------------------------------------------------------
// Users (session auth)
// ----------------------------------------------------------------------------

const userColumns = `id, tenant_id, email, full_name, hashed_password, role,
	is_active, failed_login_attempts, locked_until, last_login_at, created_at,
	is_deleted`

// UserByEmail fetches a user within a tenant.
func (s *Store) UserByEmail(ctx context.Context, tenantID, email string) (*core.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+userColumns+` FROM users
		 WHERE tenant_id = $1 AND email = $2 AND is_deleted = FALSE`,
		tenantID, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.E(core.KindNotFound, "user not found")
		}
		return nil, classify(err)
	}
	return row.toCore(), nil
}

// UserByID fetches a user within a tenant by primary key.
func (s *Store) UserByID(ctx context.Context, tenantID, userID string) (*core.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+userColumns+` FROM users
		 WHERE tenant_id = $1 AND id = $2 AND is_deleted = FALSE`,
		tenantID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.E(core.KindNotFound, "user not found")
		}
		return nil, classify(err)
	}
	return row.toCore(), nil
}

// RecordUserLogin resets the failed-attempt counter after a successful login.
func (s *Store) RecordUserLogin(ctx context.Context, tenantID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = now(), failed_login_attempts = 0,
		        locked_until = NULL
		 WHERE tenant_id = $1 AND id = $2 AND is_deleted = FALSE`,
		tenantID, userID)
	return classify(err)
}

// RecordFailedLogin bumps the failed-attempt counter and sets the lockout
// once attempts reach maxAttempts.
func (s *Store) RecordFailedLogin(ctx context.Context, tenantID, userID string, maxAttempts int, lockFor time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET failed_login_attempts = failed_login_attempts + 1,
		        locked_until = CASE WHEN failed_login_attempts + 1 >= $3
		                            THEN now() + $4::interval ELSE locked_until END
		 WHERE tenant_id = $1 AND id = $2 AND is_deleted = FALSE`,
		tenantID, userID, maxAttempts, fmt.Sprintf("%d seconds", int(lockFor.Seconds())))
	return classify(err)
}

// ----------------------------------------------------------------------------
// Events
// ----------------------------------------------------------------------------

const eventColumns = `id, tenant_id, external_id, event_type, severity, title,
	message, source_service, source_endpoint, source_method, source_version,
	source_environment, context, metrics, payload, event_timestamp,
	ingested_at, processing_status, is_deleted`

// EventByExternalID performs the dedup lookup, a single read backed by the
// partial unique index.
func (s *Store) EventByExternalID(ctx context.Context, tenantID, externalID string) (*core.Event, error) {
	var row eventRow
	err := sqlx.GetContext(ctx, s.db, &row,
		`SELECT `+eventColumns+` FROM events
		 WHERE tenant_id = $1 AND external_id = $2 AND is_deleted = FALSE`,
		tenantID, externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.E(core.KindNotFound, "event not found")
		}
		return nil, classify(err)
	}
	return row.toCore()
}

// InsertEvent writes one event row inside tx. A collision on the partial
// unique index surfaces as KindConflict so the coordinator can run the
// idempotent recovery path.
func (s *Store) InsertEvent(ctx context.Context, tx *Tx, ev *core.Event) error {
	row, err := eventRowFromCore(ev)
	if err != nil {
		return core.Wrap(core.KindInternal, "encode event", err)
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO events (
			id, tenant_id, external_id, event_type, severity, title, message,
			source_service, source_endpoint, source_method, source_version,
			source_environment, context, metrics, payload, event_timestamp,
			ingested_at, processing_status, is_deleted
		) VALUES (
			:id, :tenant_id, :external_id, :event_type, :severity, :title, :message,
			:source_service, :source_endpoint, :source_method, :source_version,
			:source_environment, :context, :metrics, :payload, :event_timestamp,
			:ingested_at, :processing_status, FALSE
		)`, row)
	return classify(err)
}

// EventByID fetches one event for the authenticated tenant. Another
// tenant's event id reports not_found, never the row.
func (s *Store) EventByID(ctx context.Context, tenantID, eventID string) (*core.Event, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+eventColumns+` FROM events
		 WHERE tenant_id = $1 AND id = $2 AND is_deleted = FALSE`,
		tenantID, eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.E(core.KindNotFound, "event not found")
		}
		return nil, classify(err)
	}
	return row.toCore()
}

// SearchEvents runs a filtered, paginated search plus a total-matches count.
// Sort is occurrence timestamp descending unless the filter asks ascending.
func (s *Store) SearchEvents(ctx context.Context, tenantID string, filter core.EventFilter) ([]*core.Event, int64, error) {
	where, args := buildEventWhere(tenantID, filter)

	var total int64
	countQuery := s.db.Rebind(`SELECT COUNT(*) FROM events ` + where)
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, classify(err)
	}

	order := "ORDER BY event_timestamp DESC"
	if filter.Ascending {
		order = "ORDER BY event_timestamp ASC"
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := s.db.Rebind(fmt.Sprintf(
		`SELECT `+eventColumns+` FROM events %s %s LIMIT ? OFFSET ?`, where, order))

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, classify(err)
	}
	events := make([]*core.Event, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toCore()
		if err != nil {
			return nil, 0, core.Wrap(core.KindInternal, "decode event row", err)
		}
		events = append(events, ev)
	}
	return events, total, nil
}

func buildEventWhere(tenantID string, filter core.EventFilter) (string, []interface{}) {
	conds := []string{"tenant_id = ?", "is_deleted = FALSE"}
	args := []interface{}{tenantID}

	if filter.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Service != "" {
		conds = append(conds, "source_service = ?")
		args = append(args, filter.Service)
	}
	if filter.Endpoint != "" {
		conds = append(conds, "source_endpoint = ?")
		args = append(args, filter.Endpoint)
	}
	if filter.StatusCode != nil {
		conds = append(conds, "(metrics->>'status_code')::int = ?")
		args = append(args, *filter.StatusCode)
	}
	if filter.UserID != "" {
		conds = append(conds, "context->>'user_id' = ?")
		args = append(args, filter.UserID)
	}
	for k, v := range filter.Tags {
		conds = append(conds, "context->'tags'->>? = ?")
		args = append(args, k, v)
	}
	if filter.Text != "" {
		conds = append(conds, "(title ILIKE ? OR message ILIKE ?)")
		pattern := "%" + filter.Text + "%"
		args = append(args, pattern, pattern)
	}
	if filter.Start != nil {
		conds = append(conds, "event_timestamp >= ?")
		args = append(args, *filter.Start)
	}
	if filter.End != nil {
		conds = append(conds, "event_timestamp <= ?")
		args = append(args, *filter.End)
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// AggregateStats returns counts grouped by event type and severity within
// the window, plus the total.
func (s *Store) AggregateStats(ctx context.Context, tenantID string, window core.StatsWindow) (*core.Stats, error) {
	stats := &core.Stats{
		ByType:     make(map[string]int64),
		BySeverity: make(map[string]int64),
		Window:     window,
	}

	type bucket struct {
		Key   string `db:"key"`
		Count int64  `db:"count"`
	}

	var byType []bucket
	err := s.db.SelectContext(ctx, &byType,
		`SELECT event_type AS key, COUNT(*) AS count FROM events
		 WHERE tenant_id = $1 AND is_deleted = FALSE
		   AND event_timestamp >= $2 AND event_timestamp <= $3
		 GROUP BY event_type`,
		tenantID, window.Start, window.End)
	if err != nil {
		return nil, classify(err)
	}
	for _, b := range byType {
		stats.ByType[b.Key] = b.Count
		stats.Total += b.Count
	}

	var bySeverity []bucket
	err = s.db.SelectContext(ctx, &bySeverity,
		`SELECT severity AS key, COUNT(*) AS count FROM events
		 WHERE tenant_id = $1 AND is_deleted = FALSE
		   AND event_timestamp >= $2 AND event_timestamp <= $3
		 GROUP BY severity`,
		tenantID, window.Start, window.End)
	if err != nil {
		return nil, classify(err)
	}
	for _, b := range bySeverity {
		stats.BySeverity[b.Key] = b.Count
	}
	return stats, nil
}

// CountEventsSince counts a tenant's events with occurrence timestamp at or
// after since.
func (s *Store) CountEventsSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM events
		 WHERE tenant_id = $1 AND is_deleted = FALSE AND event_timestamp >= $2`,
		tenantID, since)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// LastEventAt returns the most recent occurrence timestamp, or nil when the
// tenant has no events.
func (s *Store) LastEventAt(ctx context.Context, tenantID string) (*time.Time, error) {
	var ts sql.NullTime
	err := s.db.GetContext(ctx, &ts,
		`SELECT MAX(event_timestamp) FROM events
		 WHERE tenant_id = $1 AND is_deleted = FALSE`,
		tenantID)
	if err != nil {
		return nil, classify(err)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time
	return &t, nil
}

// ----------------------------------------------------------------------------
// Error classification
// ----------------------------------------------------------------------------

// classify maps driver errors onto the service taxonomy. The dedup race is
// the one conflict the coordinator recovers from; it is identified by the
// partial unique index name.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.Wrap(core.KindStoreUnavailable, "store operation timed out", err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505" && pqErr.Constraint == uniqueExternalIDConstraint:
			return core.Wrap(core.KindConflict, "duplicate external id", err)
		case pqErr.Code == "23505":
			return core.Wrap(core.KindInternal, "unexpected uniqueness violation", err)
		case pqErr.Code.Class() == "08", // connection exception
			pqErr.Code.Class() == "53", // insufficient resources
			pqErr.Code.Class() == "57": // operator intervention
			return core.Wrap(core.KindStoreUnavailable, "store unavailable", err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return core.Wrap(core.KindStoreUnavailable, "store connection lost", err)
	}
	return core.Wrap(core.KindInternal, "store operation failed", err)
}
