package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"bffd/app"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Interactively write a new configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path := opts.configPath
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
				}
				in := bufio.NewReader(cmd.InOrStdin())
				if _, err := runSetup(path, in, cmd.OutOrStdout(), opts.logger); err != nil {
					return fmt.Errorf("config init failed: %w", err)
				}
				opts.logger.Info("configuration initialized successfully", "path", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load the configuration and check that its URLs are reachable",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := runConfigValidate(opts.configPath, opts.logger); err != nil {
					return fmt.Errorf("config validation failed: %w", err)
				}
				opts.logger.Info("configuration is valid", "path", opts.configPath)
				return nil
			},
		},
	)
	return cmd
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := app.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")

	for _, target := range probeTargets(cfg) {
		if err := validateURL(ctx, target.url, logger); err != nil {
			logger.Error(target.name+" URL validation failed", "url", target.url, "error", err)
		} else {
			logger.Info(target.name+" URL is accessible", "url", target.url)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateStartupURLs(ctx context.Context, cfg app.Config, logger *slog.Logger) {
	for _, target := range probeTargets(cfg) {
		if err := validateURL(ctx, target.url, logger); err != nil {
			logger.Warn(target.name+" URL may not be accessible",
				"url", target.url,
				"error", err,
				"note", "server will continue but "+target.impact)
		} else {
			logger.Debug(target.name+" URL is accessible", "url", target.url)
		}
	}
}

type probeTarget struct {
	name   string
	url    string
	impact string
}

func probeTargets(cfg app.Config) []probeTarget {
	authority := strings.TrimRight(cfg.OAuth.Authority, "/")
	return []probeTarget{
		{
			name:   "identity provider",
			url:    authority + "/.well-known/openid-configuration",
			impact: "login and token refresh may fail",
		},
		{
			name:   "upstream API",
			url:    cfg.Upstream.BaseURL,
			impact: "proxied requests may fail",
		},
	}
}

func validateURL(ctx context.Context, urlStr string, logger *slog.Logger) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Debug("probe", "url", urlStr, "status", resp.StatusCode)
	// 404 from an API root still proves the host answers.
	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func runSetup(path string, reader *bufio.Reader, out io.Writer, logger *slog.Logger) (app.Config, error) {
	fmt.Fprintf(out, "Writing a new configuration to %s.\n", path)
	fmt.Fprintln(out, "Press Enter to accept defaults.")

	cfg := app.DefaultConfig()

	devMode := askYesNo(reader, out, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, out, "Gateway public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = ask(reader, out, "Gateway dev listen address", cfg.Server.DevListenAddr)
		cfg.Cookies.Secure = askYesNo(reader, out, "Mark cookies Secure (requires HTTPS in the browser)?", false)
	} else {
		domain := askRequired(reader, out, "Primary public domain (e.g. bff.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Cookies.Secure = true
	}

	cfg.Server.ClientOrigin = strings.TrimSuffix(ask(reader, out, "SPA origin", cfg.Server.ClientOrigin), "/")
	cfg.Server.CORS.ClientOriginURLs = normalizeList(
		ask(reader, out, "Allowed CORS origins (comma separated)", cfg.Server.ClientOrigin),
		[]string{cfg.Server.ClientOrigin},
	)

	cfg.OAuth.Authority = strings.TrimSuffix(ask(reader, out, "Identity provider realm URL", cfg.OAuth.Authority), "/")
	cfg.OAuth.ExternalAuthority = strings.TrimSuffix(ask(reader, out, "Browser-facing realm URL (blank if same)", ""), "/")
	cfg.OAuth.ClientID = ask(reader, out, "OAuth client ID", cfg.OAuth.ClientID)
	if devMode {
		cfg.OAuth.ClientSecret = ask(reader, out, "OAuth client secret", "")
	} else {
		cfg.OAuth.ClientSecret = askRequired(reader, out, "OAuth client secret")
	}

	cfg.Upstream.BaseURL = strings.TrimSuffix(ask(reader, out, "Upstream API base URL", cfg.Upstream.BaseURL), "/")

	if askYesNo(reader, out, "Store sessions in Redis?", false) {
		cfg.Sessions.Backend = app.BackendRedis
		cfg.Sessions.Redis.Addr = ask(reader, out, "Redis address", cfg.Sessions.Redis.Addr)
	}
	cfg.Sessions.Secret = base64.RawURLEncoding.EncodeToString(securecookie.GenerateRandomKey(32))

	// Derived URLs are recomputed from the answers on load.
	cfg.OAuth.RedirectURI = ""
	cfg.OAuth.PostLogoutRedirectURI = ""

	if err := writeConfigFile(path, cfg); err != nil {
		return app.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return app.LoadConfig(path)
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter 'y' or 'n'.")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg app.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
