package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"
	"golang.org/x/text/language"

	"github.com/jmcleod/crmgate/backend"
	"github.com/jmcleod/crmgate/cancellation"
	"github.com/jmcleod/crmgate/identity"
	"github.com/jmcleod/crmgate/identity/cognito"
	"github.com/jmcleod/crmgate/identity/local"
	"github.com/jmcleod/crmgate/internal/config"
	"github.com/jmcleod/crmgate/internal/logging"
	"github.com/jmcleod/crmgate/internal/metrics"
	"github.com/jmcleod/crmgate/internal/util"
	"github.com/jmcleod/crmgate/profile"
	"github.com/jmcleod/crmgate/session"
	"github.com/jmcleod/crmgate/storage"
	bboltstorage "github.com/jmcleod/crmgate/storage/bbolt"
	redisstorage "github.com/jmcleod/crmgate/storage/redis"
)

// backendContext is the cancellation key of every backend request issued
// by a CLI command.
const backendContext = "cli"

// app is the wired component graph shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	repo     storage.Repository
	redis    *redisstorage.Store
	provider identity.Provider
	verifier identity.Verifier
	cancels  *cancellation.Registry
	backend  *backend.Client
	profiles *profile.Fetcher
	store    *session.StateStore
	mirror   *session.CookieMirror
	manager  *session.Manager
	out      io.Writer

	closers []func() error
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// newApp opens storage and wires every component. Callers must call close.
func newApp(ctx context.Context, c *cobra.Command) (_ *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, out: c.OutOrStdout(), metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	logger, closeLog, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Stderr:     c.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	a.logger = logger
	a.closers = append(a.closers, closeLog)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.Storage.DataDir, "crmgate.db"),
		&bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open session storage (is another crmgate process using %s?): %w",
			cfg.Storage.DataDir, err)
	}
	a.repo = db
	a.closers = append(a.closers, db.Close)
	if n, err := db.Sweep(); err != nil {
		logger.Warn("purging expired entries failed", "component", "storage", "error", err)
	} else if n > 0 {
		logger.Debug("purged expired entries", "component", "storage", "count", n)
	}

	if cfg.Storage.RedisURL != "" {
		rs, err := redisstorage.Connect(ctx, cfg.Storage.RedisURL, cfg.Storage.RedisPrefix)
		if err != nil {
			return nil, err
		}
		a.redis = rs
		a.closers = append(a.closers, rs.Close)
	}

	seed, err := tokenKey(cfg)
	if err != nil {
		return nil, err
	}
	key, err := util.DeriveKey(seed, "token cache")
	util.WipeBytes(seed)
	if err != nil {
		return nil, err
	}
	tokens, err := identity.NewSealedTokenCache(a.repo, key)
	if err != nil {
		return nil, err
	}
	if err := a.wireProvider(ctx, tokens); err != nil {
		return nil, err
	}

	a.cancels = cancellation.NewRegistry(logger)
	a.backend, err = backend.New(backend.Options{
		BaseURL:      cfg.Backend.URL,
		Timeout:      cfg.Backend.Timeout,
		Retries:      cfg.Backend.Retries,
		RetryDelay:   cfg.Backend.RetryDelay,
		Token:        a.accessToken,
		Cancellation: a.cancels,
		ContextKey:   backendContext,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	a.profiles = profile.NewFetcher(a.backend, a.repo,
		profile.WithTTL(cfg.Session.ProfileTTL),
		profile.WithMetrics(a.metrics),
		profile.WithLogger(logger),
	)

	origin, err := url.Parse(cfg.Session.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid session origin: %w", err)
	}
	a.mirror = session.NewCookieMirror(session.NewRepositoryJar(a.repo, logger), origin, cfg.Session.CookieMaxAge)
	a.store = session.NewStateStore(a.repo,
		session.WithSessionTTL(cfg.Session.TTL),
		session.WithStoreLogger(logger),
	)
	a.manager = session.NewManager(session.Options{
		Provider:        a.provider,
		Profiles:        a.profiles,
		Store:           a.store,
		Mirror:          a.mirror,
		Backend:         a.backend,
		Navigator:       printNavigator{w: a.out},
		Language:        language.Make(cfg.Session.Language),
		RefreshInterval: cfg.Session.RefreshInterval,
		Metrics:         a.metrics,
		Logger:          logger,
	})
	return a, nil
}

func (a *app) wireProvider(ctx context.Context, tokens identity.TokenCache) error {
	cfg := a.cfg.Identity
	switch cfg.Provider {
	case config.ProviderCognito:
		cc := cognito.Config{
			Region:       cfg.Cognito.Region,
			UserPoolID:   cfg.Cognito.UserPoolID,
			ClientID:     cfg.Cognito.ClientID,
			ClientSecret: cfg.Cognito.ClientSecret,
			Endpoint:     cfg.Cognito.Endpoint,
		}
		p, err := cognito.New(ctx, cc, tokens, a.logger)
		if err != nil {
			return err
		}
		a.provider = p
		a.verifier = cognito.NewVerifier(cc, &http.Client{Timeout: 10 * time.Second})
	default:
		state := a.repo
		if a.redis != nil {
			state = a.redis
		}
		p, err := local.New(local.Options{
			Users:      cfg.Local.Users,
			Secret:     []byte(cfg.Local.Secret),
			Issuer:     cfg.Local.Issuer,
			State:      state,
			Cache:      tokens,
			AccessTTL:  cfg.Local.AccessTTL,
			RefreshTTL: cfg.Local.RefreshTTL,
			CodeSink: func(username, code string) {
				fmt.Fprintf(a.out, "Password reset code for %s: %s\n", username, code)
			},
			Logger: a.logger,
		})
		if err != nil {
			return err
		}
		a.provider = p
		a.verifier = p
	}
	return nil
}

// accessToken supplies the bearer token for backend requests. Requests
// without a session go out unauthenticated.
func (a *app) accessToken(ctx context.Context) (string, error) {
	sess, err := a.provider.FetchSession(ctx)
	if errors.Is(err, identity.ErrNoSession) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sess.Tokens.AccessToken, nil
}

// tokenKey returns the seed of the key sealing cached provider tokens: the
// configured one, or one generated on first use and kept in the data
// directory.
func tokenKey(cfg *config.Config) ([]byte, error) {
	if cfg.Storage.TokenKey != "" {
		key, err := hex.DecodeString(cfg.Storage.TokenKey)
		if err != nil || len(key) != storage.KeySize {
			return nil, fmt.Errorf("storage.token_key must be %d hex encoded bytes", storage.KeySize)
		}
		return key, nil
	}
	path := filepath.Join(cfg.Storage.DataDir, "token.key")
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(string(data))
		if err != nil || len(key) != storage.KeySize {
			return nil, fmt.Errorf("corrupt token key file %s", path)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading token key: %w", err)
	}
	key, err := util.RandomBytes(storage.KeySize)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("writing token key: %w", err)
	}
	return key, nil
}

func (a *app) close() {
	if a.manager != nil {
		a.manager.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// printNavigator reports client-side navigation on the command output.
type printNavigator struct{ w io.Writer }

func (n printNavigator) Replace(path string) {
	fmt.Fprintf(n.w, "-> %s\n", path)
}
