package app

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Headers dropped from the upstream response. The transport has already
// decoded the body and the length is recomputed by the server.
var excludedResponseHeaders = []string{
	"Content-Length",
	"Transfer-Encoding",
	"Content-Encoding",
}

// Proxy forwards /api calls to the upstream resource API with a bearer token.
type Proxy struct {
	base         string
	client       *http.Client
	guard        *FreshnessGuard
	ownedCookies map[string]bool
	logger       *slog.Logger
}

// NewProxy builds a proxy for the configured upstream. ownedCookies names the
// gateway's own cookies, which are never passed upstream.
func NewProxy(cfg UpstreamConfig, guard *FreshnessGuard, ownedCookies []string, logger *slog.Logger) *Proxy {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	owned := make(map[string]bool, len(ownedCookies))
	for _, name := range ownedCookies {
		owned[name] = true
	}

	return &Proxy{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		guard:        guard,
		ownedCookies: owned,
		logger:       logger,
	}
}

// Target joins the upstream base URL with path and an optional raw query.
func (p *Proxy) Target(path, rawQuery string) string {
	target := p.base + "/" + strings.TrimLeft(path, "/")
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// Forward sends r to the upstream at path. The access token is refreshed first
// when it is about to expire; rotated carries the new token, or "" when the
// original was used. The caller owns the response body.
func (p *Proxy) Forward(r *http.Request, sess *Session, path, accessToken string) (*http.Response, string, error) {
	token, rotated := accessToken, ""
	if accessToken != "" {
		if fresh, ok := p.guard.Ensure(r.Context(), sess, accessToken); ok {
			token, rotated = fresh, fresh
		}
	}

	var body io.Reader
	if hasBody(r) {
		body = r.Body
	}

	target := p.Target(path, r.URL.RawQuery)
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return nil, "", fmt.Errorf("build upstream request: %w", err)
	}
	if body != nil {
		out.ContentLength = r.ContentLength
	}

	p.copyRequestHeaders(out.Header, r)
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}

	p.logger.Debug("proxying request", "method", r.Method, "target", target, "has_token", token != "")

	resp, err := p.client.Do(out)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s %s: %v", ErrTransport, r.Method, target, err)
	}
	return resp, rotated, nil
}

// Relay copies an upstream response to the client and closes its body.
func (p *Proxy) Relay(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	dst := w.Header()
	for name, values := range resp.Header {
		if excluded(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("%w: relay body: %v", ErrTransport, err)
	}
	return nil
}

func (p *Proxy) copyRequestHeaders(dst http.Header, r *http.Request) {
	skip := map[string]bool{
		"Host":            true,
		"Authorization":   true,
		"Accept-Encoding": true,
		"Content-Length":  true,
		"Cookie":          true,
	}
	for _, h := range hopHeaders {
		skip[h] = true
	}
	for _, f := range r.Header.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				skip[http.CanonicalHeaderKey(name)] = true
			}
		}
	}

	for name, values := range r.Header {
		if skip[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}

	var kept []string
	for _, c := range r.Cookies() {
		if p.ownedCookies[c.Name] {
			continue
		}
		kept = append(kept, c.Name+"="+c.Value)
	}
	if len(kept) > 0 {
		dst.Set("Cookie", strings.Join(kept, "; "))
	}
}

func excluded(name string) bool {
	name = http.CanonicalHeaderKey(name)
	for _, h := range excludedResponseHeaders {
		if h == name {
			return true
		}
	}
	for _, h := range hopHeaders {
		if h == name {
			return true
		}
	}
	return false
}

// hasBody reports whether r carries a body to stream. HTTP/2 requests of
// unknown length arrive with ContentLength -1 and no Transfer-Encoding.
func hasBody(r *http.Request) bool {
	if r.ContentLength > 0 || isChunked(r) {
		return true
	}
	return r.ContentLength < 0 && r.Body != nil && r.Body != http.NoBody
}

func isChunked(r *http.Request) bool {
	for _, te := range r.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	return false
}
