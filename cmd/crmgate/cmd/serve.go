package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/crmgate/api"
	"github.com/jmcleod/crmgate/guard"
	"github.com/jmcleod/crmgate/storage"
	"github.com/jmcleod/crmgate/storage/memory"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the route-guarding gateway",
	RunE: func(c *cobra.Command, args []string) error {
		return withApp(c, func(ctx context.Context, a *app) error {
			return serve(ctx, c, a)
		})
	},
}

func serve(ctx context.Context, c *cobra.Command, a *app) error {
	cfg := a.cfg.Server
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}

	var cache storage.Repository = memory.NewRepository()
	if a.redis != nil {
		cache = a.redis
	}
	validator := guard.NewValidator(a.verifier, cache,
		guard.WithTokenCookie(cfg.TokenCookie),
		guard.WithValidationTTL(cfg.ValidationTTL),
		guard.WithValidatorMetrics(a.metrics),
		guard.WithValidatorLogger(a.logger),
	)
	policy := guard.DefaultPolicy()
	if len(cfg.ProtectedPrefixes) > 0 {
		policy.ProtectedPrefixes = cfg.ProtectedPrefixes
	}
	mw := guard.NewMiddleware(validator,
		guard.WithPolicy(policy),
		guard.WithRoleCookieMaxAge(a.cfg.Session.CookieMaxAge),
		guard.WithMetrics(a.metrics),
		guard.WithLogger(a.logger),
	)

	opts := []api.Option{api.WithLogger(a.logger), api.WithMetrics(a.metrics), api.WithVersion(Version)}
	if cfg.Upstream != "" {
		u, err := url.Parse(cfg.Upstream)
		if err != nil {
			return fmt.Errorf("invalid upstream URL: %w", err)
		}
		opts = append(opts, api.WithUpstream(u))
	}
	gw := api.New(validator, mw, opts...)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	useTLS := cfg.TLSCert != "" && cfg.TLSKey != ""
	if useTLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	out := c.OutOrStdout()
	printBanner(out)
	fmt.Fprintf(out, "Starting gateway on %s (provider: %s, data: %s)...\n",
		cfg.Addr, a.cfg.Identity.Provider, a.cfg.Storage.DataDir)
	a.logger.Info("gateway started", "component", "server", "addr", cfg.Addr, "tls", useTLS)

	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "\nShutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Address to listen on (overrides config)")
}
