package app

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Start(w, r)
	if err != nil {
		a.Logger.Error("Failed to start session", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	authURL, err := a.Broker.BuildAuthorizationURL(r.Context(), sess)
	if err != nil {
		a.Logger.Error("Failed to build authorization URL", "session", sess.ID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	a.Logger.Debug("Redirecting to identity provider", "session", sess.ID)
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if idpErr := q.Get("error"); idpErr != "" {
		a.Logger.Warn("Identity provider returned an error",
			"error", idpErr,
			"error_description", q.Get("error_description"),
		)
		http.Error(w, "Authorization failed", http.StatusBadRequest)
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		http.Error(w, "Missing code or state parameter", http.StatusBadRequest)
		return
	}

	sess := a.Sessions.Fetch(r)
	storedState, err := sess.Get(ctx, KeyOAuthState)
	if err != nil {
		a.Logger.Error("Failed to read session", "session", sess.ID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !stateMatches(storedState, state) {
		a.Logger.Warn("State mismatch on callback, possible CSRF attempt",
			"session", sess.ID,
			"has_stored_state", storedState != "",
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		return
	}

	verifier, err := sess.Get(ctx, KeyCodeVerifier)
	if err != nil {
		a.Logger.Error("Failed to read session", "session", sess.ID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if verifier == "" {
		a.Logger.Warn("Code verifier missing from session", "session", sess.ID)
		http.Error(w, "Code verifier not found", http.StatusBadRequest)
		return
	}

	// One-time values are consumed whether or not the exchange succeeds.
	for _, key := range []string{KeyCodeVerifier, KeyOAuthState} {
		if err := sess.Delete(ctx, key); err != nil {
			a.Logger.Warn("Failed to delete one-time session value", "session", sess.ID, "key", key, "error", err)
		}
	}

	tokens, err := a.Broker.ExchangeCodeForToken(ctx, sess, code, verifier)
	if err != nil {
		a.Logger.Error("Code exchange failed", "session", sess.ID, "error", err)
		http.Error(w, "Failed to exchange code for token", http.StatusInternalServerError)
		return
	}

	a.Cookies.Set(w, tokens.AccessToken)
	a.Logger.Info("User authenticated", "session", sess.ID)
	http.Redirect(w, r, a.Config.Server.ClientOrigin, http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := a.Sessions.Fetch(r)

	idToken, err := sess.Get(ctx, KeyIDToken)
	if err != nil {
		a.Logger.Warn("Failed to read id token for logout", "session", sess.ID, "error", err)
	}

	a.Cookies.Clear(w)
	for _, c := range r.Cookies() {
		if c.Name == AccessTokenCookie || c.Name == a.Sessions.CookieName() {
			continue
		}
		http.SetCookie(w, &http.Cookie{Name: c.Name, Value: "", Path: "/", MaxAge: -1})
	}
	if err := a.Sessions.Destroy(ctx, w, r); err != nil {
		a.Logger.Warn("Failed to clear session", "session", sess.ID, "error", err)
	}

	a.Logger.Info("User logged out", "session", sess.ID, "id_token_hint", idToken != "")
	http.Redirect(w, r, a.Broker.BuildLogoutURL(idToken), http.StatusFound)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{"authenticated": AccessToken(r) != ""})
}

func (a *App) handleProxy(w http.ResponseWriter, r *http.Request) {
	token := AccessToken(r)
	if token == "" {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "Not authenticated"})
		return
	}

	path := chi.URLParam(r, "*")
	sess := a.Sessions.Fetch(r)

	resp, rotated, err := a.Proxy.Forward(r, sess, path, token)
	if err != nil {
		a.Logger.Error("Upstream request failed",
			"method", r.Method,
			"path", path,
			"error", err,
			"transport", errors.Is(err, ErrTransport),
		)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	if rotated != "" {
		a.Cookies.Set(w, rotated)
	}

	a.Logger.Debug("Upstream response",
		"method", r.Method,
		"path", path,
		"status", resp.StatusCode,
		"content_type", resp.Header.Get("Content-Type"),
	)
	if err := a.Proxy.Relay(w, resp); err != nil {
		a.Logger.Warn("Relaying upstream response failed", "path", path, "error", err)
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Health(r.Context()); err != nil {
		a.Logger.Warn("Session backend unhealthy", "error", err)
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// stateMatches compares the callback state with the stored one in constant time.
func stateMatches(stored, got string) bool {
	if stored == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(got)) == 1
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
