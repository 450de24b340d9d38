package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/pulsestream/backend/internal/core"
)

// Token types carried in the claims so an access token can never pass as a
// refresh token or vice versa.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the JWT payload for session tokens.
type Claims struct {
	TenantID  string    `json:"tenant_id"`
	Role      core.Role `json:"role"`
	TokenType string    `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair is the login and refresh response body.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Issuer signs and verifies session tokens with a shared HS256 secret.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer builds a token issuer.
func NewIssuer(secret string, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// IssuePair mints an access and refresh token for the user.
func (i *Issuer) IssuePair(user *core.User) (*TokenPair, error) {
	access, err := i.sign(user, TokenTypeAccess, i.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(user, TokenTypeRefresh, i.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(i.accessTTL / time.Second),
	}, nil
}

func (i *Issuer) sign(user *core.User, tokenType string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		TenantID:  user.TenantID,
		Role:      user.Role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify parses a token and checks its signature, expiry, and type.
func (i *Issuer) Verify(tokenString, wantType string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, core.E(core.KindUnauthorized, "unexpected token signing method")
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, core.Wrap(core.KindUnauthorized, "invalid token", err)
	}
	if !token.Valid || claims.TokenType != wantType {
		return nil, core.E(core.KindUnauthorized, "invalid token")
	}
	return claims, nil
}
