package app

import "errors"

// Error classes surfaced by the gateway. Handlers map them to HTTP statuses.
var (
	// ErrProtocolViolation covers missing or invalid callback parameters and
	// state mismatches. The flow terminates with a 400.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrUpstreamAuth is returned when the identity provider rejects a code
	// exchange or refresh.
	ErrUpstreamAuth = errors.New("identity provider rejected request")
	// ErrTokenInspection marks an access token whose expiry could not be read.
	ErrTokenInspection = errors.New("access token inspection failed")
	// ErrTransport wraps network failures reaching the IdP or upstream API.
	ErrTransport = errors.New("transport failure")
	// ErrUnauthenticated is returned when a proxied call carries no access token.
	ErrUnauthenticated = errors.New("not authenticated")

	errNoRefreshToken = errors.New("no refresh token in session")
)
