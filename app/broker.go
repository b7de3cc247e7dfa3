package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenSet is the result of a code exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// Broker performs the authorization-code-with-PKCE exchange and refreshes
// against the identity provider.
type Broker struct {
	oauth      *oauth2.Config
	endpoints  Endpoints
	postLogout string
	client     *http.Client
	logger     *slog.Logger
}

// NewBroker constructs a broker for the configured client. The HTTP client
// bounds every call to the identity provider.
func NewBroker(cfg OAuthConfig, endpoints Endpoints, client *http.Client, logger *slog.Logger) *Broker {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Broker{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   endpoints.AuthURL,
				TokenURL:  endpoints.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		endpoints:  endpoints,
		postLogout: cfg.PostLogoutRedirectURI,
		client:     client,
		logger:     logger,
	}
}

// Endpoints returns the identity provider URLs in use.
func (b *Broker) Endpoints() Endpoints {
	return b.endpoints
}

// BuildAuthorizationURL creates a fresh PKCE pair and state, stores the
// verifier and state in the session, and returns the URL to send the browser to.
func (b *Broker) BuildAuthorizationURL(ctx context.Context, sess *Session) (string, error) {
	verifier := GenerateVerifier()
	state := GenerateState()

	if err := sess.Put(ctx, KeyCodeVerifier, verifier); err != nil {
		return "", fmt.Errorf("store code verifier: %w", err)
	}
	if err := sess.Put(ctx, KeyOAuthState, state); err != nil {
		return "", fmt.Errorf("store state: %w", err)
	}

	return b.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// ExchangeCodeForToken redeems an authorization code. Refresh and id tokens
// from the response are persisted into the session.
func (b *Broker) ExchangeCodeForToken(ctx context.Context, sess *Session, code, verifier string) (TokenSet, error) {
	tok, err := b.oauth.Exchange(b.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return TokenSet{}, b.classify("Token exchange failed", err)
	}

	set := tokenSetFrom(tok)
	if err := b.persist(ctx, sess, set); err != nil {
		return TokenSet{}, err
	}
	b.logger.Debug("Authorization code exchanged", "session", sess.ID, "has_refresh_token", set.RefreshToken != "", "has_id_token", set.IDToken != "")
	return set, nil
}

// RefreshToken uses a refresh token to obtain a new token set. The rotated
// refresh token replaces the old one in the session.
func (b *Broker) RefreshToken(ctx context.Context, sess *Session, refreshToken string) (TokenSet, error) {
	if refreshToken == "" {
		return TokenSet{}, errNoRefreshToken
	}

	src := b.oauth.TokenSource(b.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenSet{}, b.classify("Token refresh failed", err)
	}

	set := tokenSetFrom(tok)
	if err := b.persist(ctx, sess, set); err != nil {
		return TokenSet{}, err
	}
	b.logger.Debug("Access token refreshed", "session", sess.ID, "rotated", set.RefreshToken != refreshToken)
	return set, nil
}

// BuildLogoutURL returns the end-session URL. id_token_hint is included only
// when an id token is known.
func (b *Broker) BuildLogoutURL(idToken string) string {
	v := url.Values{}
	v.Set("client_id", b.oauth.ClientID)
	v.Set("post_logout_redirect_uri", b.postLogout)
	if idToken != "" {
		v.Set("id_token_hint", idToken)
	}
	sep := "?"
	if strings.Contains(b.endpoints.LogoutURL, "?") {
		sep = "&"
	}
	return b.endpoints.LogoutURL + sep + v.Encode()
}

func (b *Broker) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.client)
}

func (b *Broker) persist(ctx context.Context, sess *Session, set TokenSet) error {
	if set.RefreshToken != "" {
		if err := sess.Put(ctx, KeyRefreshToken, set.RefreshToken); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
	}
	if set.IDToken != "" {
		if err := sess.Put(ctx, KeyIDToken, set.IDToken); err != nil {
			return fmt.Errorf("store id token: %w", err)
		}
	}
	return nil
}

// classify maps oauth2 client errors onto the gateway's error classes.
func (b *Broker) classify(msg string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		b.logger.Error(msg, "status", status, "error_code", rerr.ErrorCode, "body", string(rerr.Body))
		return fmt.Errorf("%w: %s", ErrUpstreamAuth, rerr.ErrorCode)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		b.logger.Error(msg, "error", err)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	b.logger.Error(msg, "error", err)
	return fmt.Errorf("%w: %v", ErrUpstreamAuth, err)
}

func tokenSetFrom(tok *oauth2.Token) TokenSet {
	set := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		set.IDToken = id
	}
	return set
}
