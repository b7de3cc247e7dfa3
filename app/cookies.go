package app

import (
	"net/http"
	"time"
)

// AccessTokenCookie is the only token the browser ever holds.
const AccessTokenCookie = "access_token"

// CookiePolicy issues and clears the access_token cookie.
type CookiePolicy struct {
	MaxAge           time.Duration
	TrackTokenExpiry bool
	Secure           bool
	Domain           string
	now              func() time.Time
}

// NewCookiePolicy builds the policy from cookie configuration.
func NewCookiePolicy(cfg CookieConfig) *CookiePolicy {
	return &CookiePolicy{
		MaxAge:           cfg.AccessTokenMaxAge,
		TrackTokenExpiry: cfg.TrackTokenExpiry,
		Secure:           cfg.Secure,
		Domain:           cfg.Domain,
		now:              time.Now,
	}
}

// Set writes the access token cookie.
func (p *CookiePolicy) Set(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    token,
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   int(p.maxAge(token).Seconds()),
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires the access token cookie.
func (p *CookiePolicy) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    "",
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// maxAge is the configured lifetime, shortened to the token's remaining
// validity when expiry tracking is on. Never less than one second so the
// cookie is not treated as a deletion.
func (p *CookiePolicy) maxAge(token string) time.Duration {
	age := p.MaxAge
	if !p.TrackTokenExpiry {
		return age
	}
	exp, err := ExpiryOf(token)
	if err != nil || exp.IsZero() {
		return age
	}
	if remaining := exp.Sub(p.now()); remaining < age {
		age = remaining
	}
	if age < time.Second {
		age = time.Second
	}
	return age
}

// AccessToken returns the access_token cookie value, or "" when absent.
func AccessToken(r *http.Request) string {
	c, err := r.Cookie(AccessTokenCookie)
	if err != nil {
		return ""
	}
	return c.Value
}
