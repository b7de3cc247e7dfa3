package app

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	stubRealm        = "/realms/demo"
	stubClientID     = "bff"
	stubClientSecret = "bff-secret"
	stubKeyID        = "stub-key"
)

type issuedCode struct {
	challenge   string
	redirectURI string
}

// stubKeycloak mimics the realm endpoints of a Keycloak server.
type stubKeycloak struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey

	mu            sync.Mutex
	codes         map[string]issuedCode
	refreshTokens map[string]bool
	tokenForms    []url.Values
	seq           int

	accessTTL    time.Duration
	omitAccess   bool
	refreshCalls atomic.Int32
}

func newStubKeycloak(t *testing.T) *stubKeycloak {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kc := &stubKeycloak{
		t:             t,
		key:           key,
		codes:         make(map[string]issuedCode),
		refreshTokens: make(map[string]bool),
		accessTTL:     5 * time.Minute,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(stubRealm+"/.well-known/openid-configuration", kc.handleDiscovery)
	mux.HandleFunc(stubRealm+"/protocol/openid-connect/auth", kc.handleAuth)
	mux.HandleFunc(stubRealm+"/protocol/openid-connect/token", kc.handleToken)
	mux.HandleFunc(stubRealm+"/protocol/openid-connect/logout", kc.handleLogout)
	mux.HandleFunc(stubRealm+"/protocol/openid-connect/certs", kc.handleCerts)
	kc.srv = httptest.NewServer(mux)
	t.Cleanup(kc.srv.Close)
	return kc
}

func (kc *stubKeycloak) authority() string {
	return kc.srv.URL + stubRealm
}

func (kc *stubKeycloak) oauthConfig(redirectURI string) OAuthConfig {
	cfg := DefaultConfig().OAuth
	cfg.Authority = kc.authority()
	cfg.ClientID = stubClientID
	cfg.ClientSecret = stubClientSecret
	cfg.RedirectURI = redirectURI
	cfg.PostLogoutRedirectURI = "http://spa.test"
	return cfg
}

func (kc *stubKeycloak) setAccessTTL(ttl time.Duration) {
	kc.mu.Lock()
	kc.accessTTL = ttl
	kc.mu.Unlock()
}

func (kc *stubKeycloak) lastTokenForm() url.Values {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	if len(kc.tokenForms) == 0 {
		return nil
	}
	return kc.tokenForms[len(kc.tokenForms)-1]
}

// issueCode registers a code as if the user had logged in with the given challenge.
func (kc *stubKeycloak) issueCode(challenge, redirectURI string) string {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	kc.seq++
	code := fmt.Sprintf("code-%d", kc.seq)
	kc.codes[code] = issuedCode{challenge: challenge, redirectURI: redirectURI}
	return code
}

func (kc *stubKeycloak) mintAccessToken(jti string, exp time.Time) string {
	claims := jwt.MapClaims{
		"jti": jti,
		"iss": kc.authority(),
		"sub": "user-123",
		"azp": stubClientID,
		"iat": time.Now().Unix(),
		"exp": exp.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = stubKeyID
	signed, err := tok.SignedString(kc.key)
	if err != nil {
		kc.t.Fatalf("sign access token: %v", err)
	}
	return signed
}

func (kc *stubKeycloak) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := kc.authority()
	writeJSON(w, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/protocol/openid-connect/auth",
		"token_endpoint":                        base + "/protocol/openid-connect/token",
		"end_session_endpoint":                  base + "/protocol/openid-connect/logout",
		"jwks_uri":                              base + "/protocol/openid-connect/certs",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (kc *stubKeycloak) handleAuth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != stubClientID || q.Get("response_type") != "code" || q.Get("code_challenge_method") != "S256" {
		http.Error(w, "invalid authorization request", http.StatusBadRequest)
		return
	}
	code := kc.issueCode(q.Get("code_challenge"), q.Get("redirect_uri"))
	target := q.Get("redirect_uri") + "?" + url.Values{"code": {code}, "state": {q.Get("state")}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

func (kc *stubKeycloak) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	form := r.PostForm
	kc.mu.Lock()
	kc.tokenForms = append(kc.tokenForms, form)
	kc.mu.Unlock()

	if form.Get("client_id") != stubClientID || form.Get("client_secret") != stubClientSecret {
		tokenError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	switch form.Get("grant_type") {
	case "authorization_code":
		kc.mu.Lock()
		issued, ok := kc.codes[form.Get("code")]
		delete(kc.codes, form.Get("code"))
		kc.mu.Unlock()
		if !ok || issued.redirectURI != form.Get("redirect_uri") {
			tokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		if GenerateChallenge(form.Get("code_verifier")) != issued.challenge {
			tokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
	case "refresh_token":
		kc.refreshCalls.Add(1)
		rt := form.Get("refresh_token")
		kc.mu.Lock()
		valid := kc.refreshTokens[rt]
		delete(kc.refreshTokens, rt)
		kc.mu.Unlock()
		if !valid {
			tokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	kc.mu.Lock()
	kc.seq++
	refresh := fmt.Sprintf("refresh-%d", kc.seq)
	kc.refreshTokens[refresh] = true
	ttl := kc.accessTTL
	jti := fmt.Sprintf("at-%d", kc.seq)
	kc.mu.Unlock()

	body := map[string]any{
		"token_type":    "Bearer",
		"expires_in":    int(ttl.Seconds()),
		"refresh_token": refresh,
		"id_token":      fmt.Sprintf("id-token-%d", kc.seq),
		"scope":         "openid profile offline_access",
	}
	if !kc.omitAccess {
		body["access_token"] = kc.mintAccessToken(jti, time.Now().Add(ttl))
	}
	writeJSON(w, body)
}

func (kc *stubKeycloak) handleLogout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("logged out"))
}

func (kc *stubKeycloak) handleCerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &kc.key.PublicKey,
		KeyID:     stubKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func tokenError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": "rejected by stub"})
}
