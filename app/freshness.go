package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshLookahead is how close to expiry a token may get before it is refreshed.
const DefaultRefreshLookahead = 30 * time.Second

// DefaultRefreshTimeout bounds a refresh once it has started.
const DefaultRefreshTimeout = 10 * time.Second

// Refresher obtains a new token set from a refresh token.
type Refresher interface {
	RefreshToken(ctx context.Context, sess *Session, refreshToken string) (TokenSet, error)
}

// FreshnessGuard refreshes access tokens that are about to expire. Concurrent
// refreshes for the same session share a single call to the identity provider.
type FreshnessGuard struct {
	refresher Refresher
	lookahead time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
	flight    singleflight.Group
}

// NewFreshnessGuard constructs a guard. Non-positive lookahead or timeout
// select the defaults.
func NewFreshnessGuard(refresher Refresher, lookahead, timeout time.Duration, logger *slog.Logger) *FreshnessGuard {
	if lookahead <= 0 {
		lookahead = DefaultRefreshLookahead
	}
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	return &FreshnessGuard{
		refresher: refresher,
		lookahead: lookahead,
		timeout:   timeout,
		now:       time.Now,
		logger:    logger,
	}
}

// ExpiryOf decodes the exp claim of a JWT without verifying it. A token
// without exp yields the zero time and no error.
func ExpiryOf(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrTokenInspection, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrTokenInspection, err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// Expiring reports whether token expires within the lookahead window.
// Tokens that cannot be inspected, or carry no exp, are treated as valid.
func (g *FreshnessGuard) Expiring(token string) bool {
	exp, err := ExpiryOf(token)
	if err != nil {
		g.logger.Warn("Could not inspect access token expiry, treating as valid", "error", err)
		return false
	}
	if exp.IsZero() {
		g.logger.Debug("Access token has no exp claim, treating as valid")
		return false
	}
	return !exp.After(g.now().Add(g.lookahead))
}

// Ensure returns a token that is safe to forward. When the token is expiring
// and a refresh succeeds, the new token is returned with rotated set to true.
// Every failure falls back to the original token.
func (g *FreshnessGuard) Ensure(ctx context.Context, sess *Session, token string) (string, bool) {
	if !g.Expiring(token) {
		return token, false
	}
	if sess == nil || sess.ID == "" {
		g.logger.Info("Access token expiring but request has no session, forwarding as is")
		return token, false
	}

	v, err, shared := g.flight.Do(sess.ID, func() (any, error) {
		// The IdP revokes the old refresh token as soon as it answers, so the
		// rotated one must be stored even if the leading request goes away.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()

		rt, err := sess.Get(ctx, KeyRefreshToken)
		if err != nil {
			return nil, fmt.Errorf("read refresh token: %w", err)
		}
		if rt == "" {
			return nil, errNoRefreshToken
		}
		set, err := g.refresher.RefreshToken(ctx, sess, rt)
		if err != nil {
			return nil, err
		}
		return set.AccessToken, nil
	})
	if err != nil {
		if errors.Is(err, errNoRefreshToken) {
			g.logger.Info("Access token expiring but no refresh token stored", "session", sess.ID)
		} else {
			g.logger.Warn("Access token refresh failed, forwarding original token", "session", sess.ID, "error", err)
		}
		return token, false
	}

	fresh, _ := v.(string)
	if fresh == "" || fresh == token {
		return token, false
	}
	g.logger.Debug("Access token refreshed", "session", sess.ID, "shared", shared)
	return fresh, true
}
