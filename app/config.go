package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override, e.g. BFFD_OAUTH_CLIENT_SECRET.
const EnvPrefix = "BFFD_"

// Session backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config captures the full gateway configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	OAuth    OAuthConfig    `yaml:"oauth" envPrefix:"OAUTH_"`
	Upstream UpstreamConfig `yaml:"upstream" envPrefix:"UPSTREAM_"`
	Sessions SessionConfig  `yaml:"sessions" envPrefix:"SESSIONS_"`
	Cookies  CookieConfig   `yaml:"cookies" envPrefix:"COOKIES_"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url" env:"PUBLIC_URL" validate:"required,url"`
	ClientOrigin    string     `yaml:"client_origin" env:"CLIENT_ORIGIN" validate:"required,url"`
	DevListenAddr   string     `yaml:"dev_listen_addr" env:"DEV_LISTEN_ADDR"`
	HTTPListenAddr  string     `yaml:"http_listen_addr" env:"HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string     `yaml:"https_listen_addr" env:"HTTPS_LISTEN_ADDR"`
	DevMode         bool       `yaml:"dev_mode" env:"DEV_MODE"`
	TLS             TLSConfig  `yaml:"tls" envPrefix:"TLS_"`
	CORS            CORSConfig `yaml:"cors" envPrefix:"CORS_"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"DOMAINS"`
	Email      string   `yaml:"email" env:"EMAIL"`
	CacheDir   string   `yaml:"cache_dir" env:"CACHE_DIR"`
	HSTSMaxAge int      `yaml:"hsts_max_age" env:"HSTS_MAX_AGE" validate:"gte=0"`
}

// CORSConfig lists the browser origins allowed to call the gateway with credentials.
type CORSConfig struct {
	ClientOriginURLs []string `yaml:"client_origin_urls" env:"CLIENT_ORIGIN_URLS"`
	AllowedMethods   []string `yaml:"allowed_methods" env:"ALLOWED_METHODS"`
	AllowedHeaders   []string `yaml:"allowed_headers" env:"ALLOWED_HEADERS"`
}

// OAuthConfig describes the confidential client registered at the identity provider.
type OAuthConfig struct {
	// Authority is the realm base URL the gateway talks to, e.g. http://keycloak:8080/realms/demo.
	Authority string `yaml:"authority" env:"AUTHORITY" validate:"required,url"`
	// ExternalAuthority is the browser-facing realm URL when it differs from Authority.
	ExternalAuthority     string        `yaml:"external_authority" env:"EXTERNAL_AUTHORITY" validate:"omitempty,url"`
	ClientID              string        `yaml:"client_id" env:"CLIENT_ID" validate:"required"`
	ClientSecret          string        `yaml:"client_secret" env:"CLIENT_SECRET"`
	Scopes                []string      `yaml:"scopes" env:"SCOPES" validate:"min=1"`
	RedirectURI           string        `yaml:"redirect_uri" env:"REDIRECT_URI" validate:"omitempty,url"`
	PostLogoutRedirectURI string        `yaml:"post_logout_redirect_uri" env:"POST_LOGOUT_REDIRECT_URI" validate:"omitempty,url"`
	Discovery             bool          `yaml:"discovery" env:"DISCOVERY"`
	Timeout               time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`
	RefreshLookahead      time.Duration `yaml:"refresh_lookahead" env:"REFRESH_LOOKAHEAD" validate:"gte=0"`
}

// UpstreamConfig points at the resource API behind /api.
type UpstreamConfig struct {
	BaseURL            string        `yaml:"base_url" env:"BASE_URL" validate:"required,url"`
	Timeout            time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// SessionConfig selects the server-side session backend and its cookie.
type SessionConfig struct {
	Backend     string        `yaml:"backend" env:"BACKEND" validate:"oneof=memory redis"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT" validate:"gt=0"`
	CookieName  string        `yaml:"cookie_name" env:"COOKIE_NAME" validate:"required"`
	// Secret signs the session cookie. A random key is generated when empty,
	// which invalidates sessions on restart.
	Secret string      `yaml:"secret" env:"SECRET"`
	Redis  RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Username  string `yaml:"username" env:"USERNAME"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// CookieConfig is the policy for the access_token cookie.
type CookieConfig struct {
	AccessTokenMaxAge time.Duration `yaml:"access_token_max_age" env:"ACCESS_TOKEN_MAX_AGE" validate:"gt=0"`
	// TrackTokenExpiry sets the cookie max-age from the token's exp claim,
	// capped by AccessTokenMaxAge.
	TrackTokenExpiry bool   `yaml:"track_token_expiry" env:"TRACK_TOKEN_EXPIRY"`
	Secure           bool   `yaml:"secure" env:"SECURE"`
	Domain           string `yaml:"domain" env:"DOMAIN"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:8080",
			ClientOrigin:    "http://localhost:4200",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir:   ".secrets/tls",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				ClientOriginURLs: []string{"http://localhost:4200"},
				AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Content-Type", "X-Requested-With", "X-Request-ID"},
			},
		},
		OAuth: OAuthConfig{
			Authority:        "http://localhost:8180/realms/demo",
			ClientID:         "bff",
			Scopes:           []string{oidc.ScopeOpenID, "profile", oidc.ScopeOfflineAccess},
			Timeout:          10 * time.Second,
			RefreshLookahead: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL: "http://localhost:5000",
			Timeout: 30 * time.Second,
		},
		Sessions: SessionConfig{
			Backend:     BackendMemory,
			IdleTimeout: 30 * time.Minute,
			CookieName:  "bff_session",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "bffd:",
			},
		},
		Cookies: CookieConfig{
			AccessTokenMaxAge: time.Hour,
			Secure:            true,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	cfg := defaultConfig()
	cfg.applyDerivedDefaults()
	return cfg
}

// applyDerivedDefaults fills URLs that default to other configured values.
func (c *Config) applyDerivedDefaults() {
	if c.OAuth.RedirectURI == "" {
		c.OAuth.RedirectURI = strings.TrimSuffix(c.Server.PublicURL, "/") + "/auth/callback"
	}
	if c.OAuth.PostLogoutRedirectURI == "" {
		c.OAuth.PostLogoutRedirectURI = c.Server.ClientOrigin
	}
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				slog.Error("Invalid configuration value", "field", fe.Namespace(), "rule", fe.Tag(), "value", fe.Value())
			}
		}
		return fmt.Errorf("validate config: %w", err)
	}

	for field, raw := range map[string]string{
		"server.public_url":    c.Server.PublicURL,
		"oauth.authority":      c.OAuth.Authority,
		"upstream.base_url":    c.Upstream.BaseURL,
		"server.client_origin": c.Server.ClientOrigin,
	} {
		if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
			slog.Error("Invalid configuration value", "field", field, "value", raw, "reason", "must start with http:// or https://")
			return fmt.Errorf("%s must start with http:// or https://, got: %s", field, raw)
		}
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if !c.Server.DevMode && c.OAuth.ClientSecret == "" {
		slog.Error("Missing required configuration for production mode", "field", "oauth.client_secret")
		return errors.New("oauth.client_secret is required in production")
	}

	if c.Sessions.Backend == BackendRedis && c.Sessions.Redis.Addr == "" {
		slog.Error("Missing required configuration", "field", "sessions.redis.addr", "reason", "required for redis backend")
		return errors.New("sessions.redis.addr is required when sessions.backend is redis")
	}

	if c.Cookies.Domain != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil {
			return fmt.Errorf("parse server.public_url: %w", err)
		}
		cookieDomain := strings.TrimPrefix(c.Cookies.Domain, ".")
		if !strings.HasSuffix(u.Hostname(), cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "cookies.domain",
				"cookie_domain", c.Cookies.Domain,
				"public_url_domain", u.Hostname(),
				"reason", "cookies.domain must be a suffix of server.public_url host")
			return fmt.Errorf("cookies.domain '%s' does not match server.public_url host '%s'", c.Cookies.Domain, u.Hostname())
		}
	}

	return nil
}
