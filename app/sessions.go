package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

const sessionIDValue = "sid"

var errNoSession = errors.New("no session bound to request")

// Session is an explicit handle on one browser session's server-side values.
// A handle with an empty ID reads every key as absent.
type Session struct {
	ID    string
	store SessionStore
}

// NewSession binds a session id to a store.
func NewSession(id string, store SessionStore) *Session {
	return &Session{ID: id, store: store}
}

// Get returns the value for key, or "" when absent.
func (s *Session) Get(ctx context.Context, key string) (string, error) {
	if s == nil || s.ID == "" {
		return "", nil
	}
	return s.store.Get(ctx, s.ID, key)
}

// Put stores value under key.
func (s *Session) Put(ctx context.Context, key, value string) error {
	if s == nil || s.ID == "" {
		return errNoSession
	}
	return s.store.Put(ctx, s.ID, key, value)
}

// Delete removes key.
func (s *Session) Delete(ctx context.Context, key string) error {
	if s == nil || s.ID == "" {
		return nil
	}
	return s.store.Delete(ctx, s.ID, key)
}

// Clear drops every value of the session.
func (s *Session) Clear(ctx context.Context) error {
	if s == nil || s.ID == "" {
		return nil
	}
	return s.store.Clear(ctx, s.ID)
}

// SessionManager binds browser requests to sessions through a signed cookie
// that carries only the session id.
type SessionManager struct {
	cookies *sessions.CookieStore
	store   SessionStore
	name    string
	logger  *slog.Logger
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) *SessionManager {
	key := []byte(cfg.Sessions.Secret)
	if len(key) == 0 {
		key = securecookie.GenerateRandomKey(32)
		logger.Warn("sessions.secret not set, using an ephemeral signing key; sessions will not survive a restart")
	}

	cs := sessions.NewCookieStore(key)
	// Browser-session cookie; idle expiry is enforced by the store.
	cs.MaxAge(0)
	cs.Options = &sessions.Options{
		Path:     "/",
		Domain:   cfg.Cookies.Domain,
		HttpOnly: true,
		Secure:   cfg.Cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	}

	return &SessionManager{
		cookies: cs,
		store:   store,
		name:    cfg.Sessions.CookieName,
		logger:  logger,
	}
}

// CookieName is the name of the session cookie.
func (sm *SessionManager) CookieName() string {
	return sm.name
}

// Store exposes the backing store.
func (sm *SessionManager) Store() SessionStore {
	return sm.store
}

// Fetch returns the session named by the request cookie. Without a valid
// cookie the handle has an empty ID.
func (sm *SessionManager) Fetch(r *http.Request) *Session {
	gs, err := sm.cookies.Get(r, sm.name)
	if err != nil {
		sm.logger.Debug("session cookie rejected", "error", err)
		return NewSession("", sm.store)
	}
	id, _ := gs.Values[sessionIDValue].(string)
	return NewSession(id, sm.store)
}

// Start returns the request's session, issuing a new id and cookie when none exists.
func (sm *SessionManager) Start(w http.ResponseWriter, r *http.Request) (*Session, error) {
	gs, err := sm.cookies.Get(r, sm.name)
	if err != nil {
		sm.logger.Debug("session cookie rejected, starting new session", "error", err)
	}
	if id, ok := gs.Values[sessionIDValue].(string); ok && id != "" && err == nil {
		return NewSession(id, sm.store), nil
	}

	id := uuid.NewString()
	gs.Values[sessionIDValue] = id
	if err := gs.Save(r, w); err != nil {
		return nil, err
	}
	return NewSession(id, sm.store), nil
}

// Destroy clears the session's values and expires its cookie.
func (sm *SessionManager) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	sess := sm.Fetch(r)
	if err := sess.Clear(ctx); err != nil {
		return err
	}
	gs, _ := sm.cookies.Get(r, sm.name)
	gs.Values = map[any]any{}
	gs.Options.MaxAge = -1
	return gs.Save(r, w)
}
