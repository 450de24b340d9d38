// Package auth implements the human session flow: password login with
// lockout, HS256 session tokens, and refresh. Machine clients use tenant
// API keys instead and never touch this package.
package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/pulsestream/backend/internal/core"
)

const (
	maxFailedAttempts = 5
	lockoutDuration   = 15 * time.Minute
)

// UserStore is the slice of the persistence adapter the login flow needs.
type UserStore interface {
	TenantBySlug(ctx context.Context, slug string) (*core.Tenant, error)
	UserByID(ctx context.Context, tenantID, userID string) (*core.User, error)
	UserByEmail(ctx context.Context, tenantID, email string) (*core.User, error)
	RecordUserLogin(ctx context.Context, tenantID, userID string) error
	RecordFailedLogin(ctx context.Context, tenantID, userID string, maxAttempts int, lockFor time.Duration) error
}

// Service runs credential checks and token issuance.
type Service struct {
	store  UserStore
	issuer *Issuer
	now    func() time.Time
}

// NewService wires the auth flow.
func NewService(store UserStore, issuer *Issuer) *Service {
	return &Service{store: store, issuer: issuer, now: time.Now}
}

// errInvalidCredentials is what every login failure looks like from the
// outside. The distinguishing detail stays in the logs.
func errInvalidCredentials() error {
	return core.E(core.KindUnauthorized, "invalid credentials")
}

// Login verifies a password within a tenant and issues a token pair.
// Repeated failures lock the account; a locked account rejects even the
// correct password until the lock expires.
func (s *Service) Login(ctx context.Context, tenantSlug, email, password string) (*TokenPair, error) {
	tenant, err := s.store.TenantBySlug(ctx, tenantSlug)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil, errInvalidCredentials()
		}
		return nil, err
	}
	if !tenant.IsActive {
		slog.Warn("login rejected for inactive tenant", "tenant_id", tenant.ID)
		return nil, errInvalidCredentials()
	}

	user, err := s.store.UserByEmail(ctx, tenant.ID, email)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			// Burn comparable time so a missing account is not
			// distinguishable by latency.
			VerifyPassword("$2a$10$XPVUkVYMBZv0NQGGAPB1m.fqZ8RVkUyyVaSLBC8AVpciByMFV1hGO", password)
			return nil, errInvalidCredentials()
		}
		return nil, err
	}

	now := s.now()
	if !user.IsActive {
		slog.Warn("login rejected for inactive user", "tenant_id", tenant.ID, "user_id", user.ID)
		return nil, errInvalidCredentials()
	}
	if user.Locked(now) {
		slog.Warn("login rejected for locked account",
			"tenant_id", tenant.ID, "user_id", user.ID, "locked_until", *user.LockedUntil)
		return nil, errInvalidCredentials()
	}

	if !VerifyPassword(user.HashedPassword, password) {
		if recErr := s.store.RecordFailedLogin(ctx, tenant.ID, user.ID, maxFailedAttempts, lockoutDuration); recErr != nil {
			slog.Error("failed login bookkeeping error", "tenant_id", tenant.ID, "user_id", user.ID, "error", recErr)
		}
		return nil, errInvalidCredentials()
	}

	if err := s.store.RecordUserLogin(ctx, tenant.ID, user.ID); err != nil {
		slog.Error("login bookkeeping error", "tenant_id", tenant.ID, "user_id", user.ID, "error", err)
	}
	return s.issuer.IssuePair(user)
}

// Refresh exchanges a valid refresh token for a fresh pair. The user row
// is re-read so deactivation and lockout apply immediately.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.issuer.Verify(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	user, err := s.store.UserByID(ctx, claims.TenantID, claims.Subject)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil, core.E(core.KindUnauthorized, "invalid token")
		}
		return nil, err
	}
	if !user.IsActive || user.Locked(s.now()) {
		return nil, core.E(core.KindUnauthorized, "invalid token")
	}
	return s.issuer.IssuePair(user)
}

// VerifyAccess validates an access token for the request middleware.
func (s *Service) VerifyAccess(tokenString string) (*Claims, error) {
	return s.issuer.Verify(tokenString, TokenTypeAccess)
}
