// Package guard implements the route guards: an HTTP middleware that
// enforces the role-based navigation policy on the server, and a client
// guard that gates rendering on the session manager's view.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/crmgate/dedupe"
	"github.com/jmcleod/crmgate/identity"
	"github.com/jmcleod/crmgate/internal/metrics"
	"github.com/jmcleod/crmgate/internal/util"
	"github.com/jmcleod/crmgate/session"
	"github.com/jmcleod/crmgate/storage"
)

const (
	// DefaultTokenCookie carries the provider access token.
	DefaultTokenCookie = "crm_access_token"
	// DefaultValidationTTL bounds how long a verification result is reused.
	DefaultValidationTTL = 30 * time.Second

	validationBucket = "validation"
	validationVer    = 1
)

// Result is the outcome of validating a request's session.
type Result struct {
	Valid     bool         `json:"isValid"`
	Role      session.Role `json:"userRole,omitempty"`
	Username  string       `json:"username,omitempty"`
	ExpiresAt time.Time    `json:"expiresAt,omitzero"`
}

type validationRecord struct {
	V       int       `json:"v"`
	Expires time.Time `json:"expires"`
	Result  Result    `json:"result"`
}

// Validator resolves whether a request carries a valid session and which
// role it grants. Results are cached per token fingerprint.
type Validator struct {
	verifier identity.Verifier
	cache    storage.Repository
	cookie   string
	ttl      time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger
	inflight dedupe.Group[Result]
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithTokenCookie sets the cookie the access token is read from.
func WithTokenCookie(name string) ValidatorOption {
	return func(v *Validator) { v.cookie = name }
}

// WithValidationTTL sets the cache lifetime of verification results.
func WithValidationTTL(ttl time.Duration) ValidatorOption {
	return func(v *Validator) { v.ttl = ttl }
}

// WithValidatorClock overrides the time source.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// WithValidatorMetrics records cache hits and misses.
func WithValidatorMetrics(m *metrics.Metrics) ValidatorOption {
	return func(v *Validator) { v.metrics = m }
}

// WithValidatorLogger sets the logger.
func WithValidatorLogger(l *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

// NewValidator returns a Validator using verifier. cache may be nil, in
// which case every request is verified.
func NewValidator(verifier identity.Verifier, cache storage.Repository, opts ...ValidatorOption) *Validator {
	v := &Validator{
		verifier: verifier,
		cache:    cache,
		cookie:   DefaultTokenCookie,
		ttl:      DefaultValidationTTL,
		now:      time.Now,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "validator")
	v.inflight.OnShared = func(string) { v.metrics.Deduped("validate") }
	return v
}

// TokenCookie returns the name of the cookie carrying the access token.
func (v *Validator) TokenCookie() string { return v.cookie }

// TokenFromRequest returns the access token from the token cookie or an
// Authorization bearer header, cookie first.
func (v *Validator) TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(v.cookie); err == nil && c.Value != "" {
		return c.Value
	}
	token, _ := bearerToken(r.Header.Get("Authorization"))
	return token
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(value[len(bearer):])
	return token, token != ""
}

// ValidateRequest validates the token carried by r.
func (v *Validator) ValidateRequest(r *http.Request) Result {
	return v.Validate(r.Context(), v.TokenFromRequest(r))
}

// Validate verifies token. Any failure yields an invalid Result; the
// reason is logged, never returned.
func (v *Validator) Validate(ctx context.Context, token string) Result {
	if token == "" {
		return Result{}
	}
	key := util.Fingerprint(token)
	if res, ok := v.lookup(key); ok {
		v.metrics.ValidationLookup("hit")
		return res
	}
	v.metrics.ValidationLookup("miss")

	res, _, err := v.inflight.Do(ctx, key, func(ctx context.Context) (Result, error) {
		claims, err := v.verifier.VerifyAccessToken(ctx, token)
		if err != nil {
			return Result{}, err
		}
		res := Result{
			Valid:     true,
			Role:      session.RoleFromGroups(claims.Groups),
			Username:  claims.Username,
			ExpiresAt: claims.ExpiresAt,
		}
		v.store(key, res)
		return res, nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			v.logger.Debug("token rejected", "token", key[:12], "error", err)
		}
		return Result{}
	}
	return res
}

func (v *Validator) lookup(key string) (Result, bool) {
	if v.cache == nil {
		return Result{}, false
	}
	data, err := v.cache.Get(validationBucket, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			v.logger.Warn("validation cache read failed", "error", err)
		}
		return Result{}, false
	}
	var rec validationRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.V != validationVer || !v.now().Before(rec.Expires) {
		_ = v.cache.Delete(validationBucket, key)
		return Result{}, false
	}
	return rec.Result, true
}

func (v *Validator) store(key string, res Result) {
	if v.cache == nil || v.ttl <= 0 {
		return
	}
	expires := v.now().Add(v.ttl)
	if !res.ExpiresAt.IsZero() && res.ExpiresAt.Before(expires) {
		expires = res.ExpiresAt
	}
	ttl := expires.Sub(v.now())
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(validationRecord{V: validationVer, Expires: expires, Result: res})
	if err != nil {
		return
	}
	if err := storage.PutTTL(v.cache, validationBucket, key, data, ttl); err != nil {
		v.logger.Warn("validation cache write failed", "error", err)
	}
}
