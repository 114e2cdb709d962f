package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenCookie = "token"
	CookiePath  = "/"
)

var (
	ErrMalformed = errors.New("credential: malformed token")
	ErrExpired   = errors.New("credential: token expired")
)

// Claims carried by a khubot token. The signature is not checked here: the
// client never holds the signing key, only the server does.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// ParseClaims decodes the token payload without verifying its signature
func ParseClaims(token string) (Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: missing exp claim", ErrMalformed)
	}
	return claims, nil
}

// Validate parses token and requires its expiry to be strictly after now
func Validate(token string, now time.Time) (Claims, error) {
	claims, err := ParseClaims(token)
	if err != nil {
		return Claims{}, err
	}
	if !claims.ExpiresAt.Time.After(now) {
		return Claims{}, fmt.Errorf("%w at %s", ErrExpired, claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return claims, nil
}

// Jar owns the single token cookie. A token that is expired or cannot be
// parsed is treated as absent and cleared on sight.
type Jar struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewJar creates a jar over store. now may be nil to use time.Now.
func NewJar(store Store, now func() time.Time, logger *slog.Logger) *Jar {
	if now == nil {
		now = time.Now
	}
	return &Jar{store: store, now: now, logger: logger}
}

// Now returns the jar's clock reading
func (j *Jar) Now() time.Time {
	return j.now()
}

// Token returns the stored token if it is currently valid
func (j *Jar) Token(ctx context.Context) (string, Claims, bool) {
	c, ok, err := j.store.Get(ctx, TokenCookie, CookiePath, j.now())
	if err != nil {
		j.logger.Warn("failed to read credential", "error", err)
		return "", Claims{}, false
	}
	if !ok || c.Value == "" {
		return "", Claims{}, false
	}

	claims, err := Validate(c.Value, j.now())
	if err != nil {
		j.logger.Info("discarding stored credential", "reason", err)
		j.Clear(ctx)
		return "", Claims{}, false
	}
	return c.Value, claims, true
}

// Save stores token until expires
func (j *Jar) Save(ctx context.Context, token string, expires time.Time) error {
	return j.store.Set(ctx, Cookie{
		Name:    TokenCookie,
		Value:   token,
		Path:    CookiePath,
		Expires: expires,
	})
}

// Clear overwrites the cookie with an already-past expiry. Idempotent.
func (j *Jar) Clear(ctx context.Context) {
	err := j.store.Set(ctx, Cookie{
		Name:    TokenCookie,
		Path:    CookiePath,
		Expires: Expired,
	})
	if err != nil {
		j.logger.Warn("failed to clear credential", "error", err)
	}
}
