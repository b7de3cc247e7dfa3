package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
)

// Endpoints are the identity provider URLs the broker talks to.
type Endpoints struct {
	// AuthURL and LogoutURL are visited by the browser.
	AuthURL   string
	LogoutURL string
	// TokenURL and JWKSURL are called server-to-server.
	TokenURL string
	JWKSURL  string
}

// KeycloakEndpoints derives endpoints from a realm authority. external, when
// set, replaces the authority in the browser-facing URLs.
func KeycloakEndpoints(authority, external string) Endpoints {
	internal := strings.TrimRight(authority, "/")
	browser := internal
	if external != "" {
		browser = strings.TrimRight(external, "/")
	}
	return Endpoints{
		AuthURL:   browser + "/protocol/openid-connect/auth",
		TokenURL:  internal + "/protocol/openid-connect/token",
		LogoutURL: browser + "/protocol/openid-connect/logout",
		JWKSURL:   internal + "/protocol/openid-connect/certs",
	}
}

// DiscoverEndpoints resolves endpoints from the authority's discovery document.
// When discovery is disabled the Keycloak layout is assumed. In dev mode a
// failed lookup falls back to the Keycloak layout with a warning.
func DiscoverEndpoints(ctx context.Context, cfg OAuthConfig, devMode bool, client *http.Client, logger *slog.Logger) (Endpoints, error) {
	fallback := KeycloakEndpoints(cfg.Authority, cfg.ExternalAuthority)
	if !cfg.Discovery {
		return fallback, nil
	}

	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	provider, err := oidc.NewProvider(ctx, strings.TrimRight(cfg.Authority, "/"))
	if err != nil {
		if devMode {
			logger.Warn("OIDC discovery failed, using default endpoint layout", "authority", cfg.Authority, "error", err)
			return fallback, nil
		}
		return Endpoints{}, fmt.Errorf("%w: discover %s: %v", ErrTransport, cfg.Authority, err)
	}

	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
		JWKSURI            string `json:"jwks_uri"`
	}
	if err := provider.Claims(&extra); err != nil {
		logger.Warn("Could not read discovery metadata", "error", err)
	}

	ep := provider.Endpoint()
	out := Endpoints{
		AuthURL:   ep.AuthURL,
		TokenURL:  ep.TokenURL,
		LogoutURL: extra.EndSessionEndpoint,
		JWKSURL:   extra.JWKSURI,
	}
	if out.LogoutURL == "" {
		out.LogoutURL = fallback.LogoutURL
	}
	if out.JWKSURL == "" {
		out.JWKSURL = fallback.JWKSURL
	}
	if cfg.ExternalAuthority != "" {
		out.AuthURL = rebase(out.AuthURL, cfg.Authority, cfg.ExternalAuthority)
		out.LogoutURL = rebase(out.LogoutURL, cfg.Authority, cfg.ExternalAuthority)
	}
	logger.Info("Resolved identity provider endpoints", "auth", out.AuthURL, "token", out.TokenURL, "logout", out.LogoutURL)
	return out, nil
}

func rebase(u, from, to string) string {
	from = strings.TrimRight(from, "/")
	if !strings.HasPrefix(u, from) {
		return u
	}
	return strings.TrimRight(to, "/") + strings.TrimPrefix(u, from)
}

// FetchSigningKeys downloads the identity provider's published key set. The
// gateway never verifies tokens with it; it is a reachability diagnostic.
func FetchSigningKeys(ctx context.Context, client *http.Client, jwksURL string) (jose.JSONWebKeySet, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}
	return set, nil
}
