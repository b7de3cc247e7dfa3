package app

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type capturedRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   string
}

func newCapturingUpstream(t *testing.T, respond http.HandlerFunc) (*httptest.Server, chan capturedRequest) {
	t.Helper()
	ch := make(chan capturedRequest, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- capturedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			header: r.Header.Clone(),
			body:   string(body),
		}
		if respond != nil {
			respond(w, r)
			return
		}
		writeJSON(w, map[string]string{"ok": "true"})
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func newTestProxy(t *testing.T, base string, refresher Refresher) *Proxy {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := NewFreshnessGuard(refresher, 30*time.Second, 5*time.Second, logger)
	cfg := UpstreamConfig{BaseURL: base, Timeout: 5 * time.Second}
	return NewProxy(cfg, guard, []string{AccessTokenCookie, "bff_session"}, logger)
}

func TestProxyTarget(t *testing.T) {
	p := newTestProxy(t, "http://upstream.test/api/", &fakeRefresher{})
	tests := []struct {
		path, query, want string
	}{
		{"items", "", "http://upstream.test/api/items"},
		{"/items/1", "", "http://upstream.test/api/items/1"},
		{"//items", "page=2&sort=name", "http://upstream.test/api/items?page=2&sort=name"},
		{"", "", "http://upstream.test/api/"},
	}
	for _, tc := range tests {
		if got := p.Target(tc.path, tc.query); got != tc.want {
			t.Fatalf("Target(%q, %q) = %q, want %q", tc.path, tc.query, got, tc.want)
		}
	}
}

func TestProxyForwardHeaderHygiene(t *testing.T) {
	upstream, captured := newCapturingUpstream(t, nil)
	p := newTestProxy(t, upstream.URL, &fakeRefresher{})
	token := hsToken(t, map[string]any{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})

	r := httptest.NewRequest(http.MethodGet, "http://bff.test/api/items?page=2", nil)
	r.Header.Set("Authorization", "Basic c3B5OnNweQ==")
	r.Header.Set("Connection", "keep-alive, X-Hop")
	r.Header.Set("X-Hop", "drop me")
	r.Header.Set("Keep-Alive", "timeout=5")
	r.Header.Set("Accept-Encoding", "br")
	r.Header.Set("X-Trace", "trace-1")
	r.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: token})
	r.AddCookie(&http.Cookie{Name: "bff_session", Value: "signed"})
	r.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})

	sess := NewSession("s", NewInMemoryStore(time.Minute))
	resp, rotated, err := p.Forward(r, sess, "items", token)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	resp.Body.Close()
	if rotated != "" {
		t.Fatalf("valid token must not rotate")
	}

	got := <-captured
	if got.method != http.MethodGet || got.path != "/items" || got.query != "page=2" {
		t.Fatalf("unexpected upstream request %s %s?%s", got.method, got.path, got.query)
	}
	if got.header.Get("Authorization") != "Bearer "+token {
		t.Fatalf("Authorization = %q", got.header.Get("Authorization"))
	}
	if got.header.Get("X-Trace") != "trace-1" {
		t.Fatalf("end-to-end header dropped")
	}
	for _, h := range []string{"X-Hop", "Keep-Alive"} {
		if got.header.Get(h) != "" {
			t.Fatalf("hop-by-hop header %s forwarded", h)
		}
	}
	if got.header.Get("Accept-Encoding") == "br" {
		t.Fatalf("inbound Accept-Encoding forwarded")
	}
	if c := got.header.Get("Cookie"); c != "theme=dark" {
		t.Fatalf("Cookie = %q, want only theme=dark", c)
	}
}

func TestProxyForwardBody(t *testing.T) {
	upstream, captured := newCapturingUpstream(t, nil)
	p := newTestProxy(t, upstream.URL, &fakeRefresher{})

	r := httptest.NewRequest(http.MethodPost, "http://bff.test/api/items", strings.NewReader(`{"name":"x"}`))
	r.Header.Set("Content-Type", "application/json")
	resp, _, err := p.Forward(r, NewSession("", nil), "items", "opaque-token")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	resp.Body.Close()

	got := <-captured
	if got.method != http.MethodPost || got.body != `{"name":"x"}` {
		t.Fatalf("unexpected upstream request %s body=%q", got.method, got.body)
	}
	if got.header.Get("Content-Type") != "application/json" {
		t.Fatalf("content type dropped")
	}

	r = httptest.NewRequest(http.MethodDelete, "http://bff.test/api/items/1", nil)
	resp, _, err = p.Forward(r, NewSession("", nil), "items/1", "opaque-token")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	resp.Body.Close()
	if got := <-captured; got.body != "" || got.method != http.MethodDelete {
		t.Fatalf("unexpected bodyless request %s body=%q", got.method, got.body)
	}
}

func TestProxyForwardRotatesExpiringToken(t *testing.T) {
	upstream, captured := newCapturingUpstream(t, nil)
	refresher := &fakeRefresher{token: "fresh-token"}
	p := newTestProxy(t, upstream.URL, refresher)

	sess := NewSession("s", NewInMemoryStore(time.Minute))
	_ = sess.Put(context.Background(), KeyRefreshToken, "rt")
	expiring := hsToken(t, map[string]any{"exp": time.Now().Add(5 * time.Second).Unix()})

	r := httptest.NewRequest(http.MethodGet, "http://bff.test/api/me", nil)
	resp, rotated, err := p.Forward(r, sess, "me", expiring)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	resp.Body.Close()

	if rotated != "fresh-token" {
		t.Fatalf("rotated = %q, want fresh-token", rotated)
	}
	if got := <-captured; got.header.Get("Authorization") != "Bearer fresh-token" {
		t.Fatalf("upstream saw %q", got.header.Get("Authorization"))
	}
}

func TestProxyRelay(t *testing.T) {
	upstream, _ := newCapturingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Upstream", "yes")
		w.Header().Add("Set-Cookie", "upstream=1; Path=/")
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			_, _ = zw.Write([]byte("hello from upstream"))
			_ = zw.Close()
			w.Header().Set("Content-Encoding", "gzip")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(buf.Bytes())
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello from upstream"))
	})
	p := newTestProxy(t, upstream.URL, &fakeRefresher{})

	r := httptest.NewRequest(http.MethodGet, "http://bff.test/api/greeting", nil)
	resp, _, err := p.Forward(r, NewSession("", nil), "greeting", "opaque-token")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	w := httptest.NewRecorder()
	if err := p.Relay(w, resp); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if w.Body.String() != "hello from upstream" {
		t.Fatalf("body = %q", w.Body.String())
	}
	for _, h := range []string{"Content-Length", "Content-Encoding", "Transfer-Encoding"} {
		if w.Header().Get(h) != "" {
			t.Fatalf("header %s must not be relayed", h)
		}
	}
	if w.Header().Get("X-Upstream") != "yes" || w.Header().Get("Set-Cookie") == "" {
		t.Fatalf("upstream headers lost: %v", w.Header())
	}
}

func TestProxyRelaysRedirectsUnfollowed(t *testing.T) {
	upstream, _ := newCapturingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusSeeOther)
	})
	p := newTestProxy(t, upstream.URL, &fakeRefresher{})

	resp, _, err := p.Forward(httptest.NewRequest(http.MethodPost, "http://bff.test/api/x", nil), NewSession("", nil), "x", "t")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", resp.StatusCode)
	}
}

func TestProxyForwardTransportFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	base := dead.URL
	dead.Close()

	p := newTestProxy(t, base, &fakeRefresher{})
	_, _, err := p.Forward(httptest.NewRequest(http.MethodGet, "http://bff.test/api/x", nil), NewSession("", nil), "x", "t")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestProxyForwardUnknownLengthBody(t *testing.T) {
	upstream, captured := newCapturingUpstream(t, nil)
	p := newTestProxy(t, upstream.URL, &fakeRefresher{})

	// HTTP/2 requests without a content-length header look like this.
	r := httptest.NewRequest(http.MethodPost, "http://bff.test/api/upload", strings.NewReader("streamed body"))
	r.ContentLength = -1
	resp, _, err := p.Forward(r, NewSession("", nil), "upload", "opaque-token")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	resp.Body.Close()

	if got := <-captured; got.body != "streamed body" {
		t.Fatalf("upstream body = %q, want streamed body", got.body)
	}
}

func TestHasBody(t *testing.T) {
	tests := []struct {
		name string
		req  func() *http.Request
		want bool
	}{
		{"no body", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/", nil) }, false},
		{"known length", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
		}, true},
		{"unknown length", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
			r.ContentLength = -1
			return r
		}, true},
		{"unknown length without body", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.ContentLength = -1
			r.Body = http.NoBody
			return r
		}, false},
		{"chunked", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
			r.ContentLength = -1
			r.TransferEncoding = []string{"chunked"}
			return r
		}, true},
	}
	for _, tc := range tests {
		if got := hasBody(tc.req()); got != tc.want {
			t.Fatalf("%s: hasBody = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestProxyForwardCancelledByClient(t *testing.T) {
	entered := make(chan struct{}, 1)
	upstreamCancelled := make(chan struct{}, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
			select {
			case upstreamCancelled <- struct{}{}:
			default:
			}
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(upstream.Close)
	p := newTestProxy(t, upstream.URL, &fakeRefresher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := httptest.NewRequest(http.MethodGet, "http://bff.test/api/slow", nil).WithContext(ctx)

	errCh := make(chan error, 1)
	go func() {
		resp, _, err := p.Forward(r, NewSession("", nil), "slow", "opaque-token")
		if resp != nil {
			resp.Body.Close()
		}
		errCh <- err
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream never received the request")
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Forward did not return after cancellation")
	}
	select {
	case <-upstreamCancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream request context was not cancelled")
	}
}
