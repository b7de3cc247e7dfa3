package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"bffd/app"
)

func newConnectCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Check that the identity provider serves a login page for this client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath, opts.logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := runConnect(ctx, cfg, opts.logger, nil); err != nil {
				opts.logger.Error("identity provider connectivity failed", "authority", cfg.OAuth.Authority, "error", err)
				return err
			}
			opts.logger.Info("identity provider connectivity succeeded", "authority", cfg.OAuth.Authority)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall time limit")
	return cmd
}

// runConnect builds a real authorization URL and follows it the way a browser
// would, stopping at the first page that does not redirect.
func runConnect(ctx context.Context, cfg app.Config, logger *slog.Logger, httpClient *http.Client) error {
	idpClient := &http.Client{Timeout: cfg.OAuth.Timeout}
	endpoints, err := app.DiscoverEndpoints(ctx, cfg.OAuth, cfg.Server.DevMode, idpClient, logger)
	if err != nil {
		return err
	}

	if keys, err := app.FetchSigningKeys(ctx, idpClient, endpoints.JWKSURL); err != nil {
		logger.Warn("connect.jwks", "url", endpoints.JWKSURL, "error", err)
	} else {
		kids := make([]string, 0, len(keys.Keys))
		for _, k := range keys.Keys {
			kids = append(kids, k.KeyID+"/"+k.Algorithm)
		}
		logger.Info("connect.jwks", "url", endpoints.JWKSURL, "keys", kids)
	}

	broker := app.NewBroker(cfg.OAuth, endpoints, idpClient, logger)
	sess := app.NewSession("connect", app.NewInMemoryStore(0))
	authURL, err := broker.BuildAuthorizationURL(ctx, sess)
	if err != nil {
		return fmt.Errorf("build authorization URL: %w", err)
	}
	logger.Info("connect.start", "auth_url", authURL)
	logger.Info("connect.instructions", "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		step := len(via) + 1
		logger.Info("connect.redirect", "step", step, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("identity provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "message", "Reached identity provider login page")
	return nil
}
