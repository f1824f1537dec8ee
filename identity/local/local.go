// Package local is an in-process identity provider for development and
// tests. It mirrors the error codes of a Cognito user pool, signs HS256
// tokens and keeps mutable state (password changes, reset codes, sign-out
// generations) in a storage.Repository.
package local

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/crmgate/identity"
	"github.com/jmcleod/crmgate/internal/util"
	"github.com/jmcleod/crmgate/internal/uuid"
	"github.com/jmcleod/crmgate/storage"
)

const (
	stateBucket = "local_idp"

	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

// User is a provider account.
type User struct {
	Username     string            `yaml:"username"`
	PasswordHash string            `yaml:"password_hash"`
	Groups       []string          `yaml:"groups"`
	Attributes   map[string]string `yaml:"attributes"`
	Unconfirmed  bool              `yaml:"unconfirmed"`
}

// Options configures a Provider.
type Options struct {
	Users  []User
	Secret []byte
	Issuer string
	// State persists password changes, reset codes and sign-out
	// generations.
	State storage.Repository
	Cache identity.TokenCache

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	CodeTTL    time.Duration

	// CodeSink receives password reset codes. Defaults to logging them.
	CodeSink func(username, code string)
	Clock    func() time.Time
	Logger   *slog.Logger
}

type tokenClaims struct {
	identity.AccessClaims
	Generation int `json:"gen"`
}

type resetCode struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Provider implements identity.Provider and identity.Verifier.
type Provider struct {
	users   map[string]User
	opts    Options
	limiter *attemptLimiter
	mu      sync.Mutex
	logger  *slog.Logger
}

var (
	_ identity.Provider = (*Provider)(nil)
	_ identity.Verifier = (*Provider)(nil)
)

// New validates opts and builds a Provider.
func New(opts Options) (*Provider, error) {
	if len(opts.Secret) < 32 {
		return nil, errors.New("local provider secret must be at least 32 bytes")
	}
	if opts.State == nil {
		return nil, errors.New("local provider requires a state repository")
	}
	if opts.Cache == nil {
		opts.Cache = identity.NewMemoryTokenCache()
	}
	if opts.Issuer == "" {
		opts.Issuer = "crmgate-local"
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = time.Hour
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 30 * 24 * time.Hour
	}
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "local-idp")
	if opts.CodeSink == nil {
		opts.CodeSink = func(username, code string) {
			logger.Info("password reset code issued", "username", username, "code", code)
		}
	}

	p := &Provider{
		users:   make(map[string]User, len(opts.Users)),
		opts:    opts,
		limiter: newAttemptLimiter(opts.Clock),
		logger:  logger,
	}
	for _, u := range opts.Users {
		name := util.NormalizeUsername(u.Username)
		if name == "" {
			return nil, errors.New("local provider user without username")
		}
		p.users[name] = u
	}
	return p, nil
}

func idpError(code, msg string) error {
	return &identity.Error{Code: code, Message: msg}
}

func (p *Provider) SignIn(ctx context.Context, username, password string) error {
	name := util.NormalizeUsername(username)
	if name == "" || password == "" {
		return idpError(identity.CodeInvalidParameter, "username and password are required")
	}
	fp := util.Fingerprint(name)
	if blocked, wait := p.limiter.blocked(fp); blocked {
		return idpError(identity.CodeLimitExceeded, fmt.Sprintf("attempt limit exceeded, retry in %s", wait.Round(time.Second)))
	}
	u, ok := p.users[name]
	if !ok {
		p.limiter.failure(fp)
		return idpError(identity.CodeUserNotFound, "User does not exist.")
	}
	match, err := util.VerifyPassword(password, p.passwordHash(name, u))
	if err != nil {
		return fmt.Errorf("verifying password: %w", err)
	}
	if !match {
		p.limiter.failure(fp)
		return idpError(identity.CodeNotAuthorized, "Incorrect username or password.")
	}
	if u.Unconfirmed {
		return idpError(identity.CodeUserNotConfirmed, "User is not confirmed.")
	}
	p.limiter.success(fp)

	tokens, err := p.issue(name, "")
	if err != nil {
		return err
	}
	p.logger.Info("user signed in", "username", name)
	return p.opts.Cache.Save(tokens)
}

func (p *Provider) FetchSession(ctx context.Context) (identity.Session, error) {
	tokens, err := p.opts.Cache.Load()
	if err != nil {
		return identity.Session{}, identity.ErrNoSession
	}
	if claims, err := p.verify(tokens.AccessToken, tokenUseAccess); err == nil {
		return identity.Session{Tokens: tokens, Claims: claims}, nil
	}
	if tokens.RefreshToken == "" {
		_ = p.opts.Cache.Clear()
		return identity.Session{}, identity.ErrNoSession
	}
	claims, err := p.verify(tokens.RefreshToken, tokenUseRefresh)
	if err != nil {
		_ = p.opts.Cache.Clear()
		return identity.Session{}, identity.ErrNoSession
	}
	refreshed, err := p.issue(claims.Username, tokens.RefreshToken)
	if err != nil {
		return identity.Session{}, err
	}
	if err := p.opts.Cache.Save(refreshed); err != nil {
		return identity.Session{}, err
	}
	access, err := p.verify(refreshed.AccessToken, tokenUseAccess)
	if err != nil {
		return identity.Session{}, err
	}
	p.logger.Debug("session refreshed", "username", claims.Username)
	return identity.Session{Tokens: refreshed, Claims: access}, nil
}

func (p *Provider) CurrentUser(ctx context.Context) (identity.User, error) {
	sess, err := p.FetchSession(ctx)
	if err != nil {
		return identity.User{}, err
	}
	u, ok := p.users[sess.Claims.Username]
	if !ok {
		return identity.User{}, idpError(identity.CodeUserNotFound, "User does not exist.")
	}
	attrs := make(map[string]string, len(u.Attributes)+1)
	for k, v := range u.Attributes {
		attrs[k] = v
	}
	if attrs["sub"] == "" {
		attrs["sub"] = sess.Claims.Subject
	}
	return identity.User{Username: sess.Claims.Username, UserID: attrs["sub"], Attributes: attrs}, nil
}

func (p *Provider) SignOut(ctx context.Context, global bool) error {
	tokens, err := p.opts.Cache.Load()
	if err != nil {
		return nil
	}
	if global {
		claims, err := identity.ParseUnverified(tokens.AccessToken)
		if err == nil && claims.Username != "" {
			if err := p.bumpGeneration(claims.Username); err != nil {
				return fmt.Errorf("revoking sessions: %w", err)
			}
		}
	}
	p.logger.Info("user signed out", "username", tokens.Username, "global", global)
	return p.opts.Cache.Clear()
}

func (p *Provider) ResetPassword(ctx context.Context, username string) error {
	name := util.NormalizeUsername(username)
	if name == "" {
		return idpError(identity.CodeInvalidParameter, "username is required")
	}
	if blocked, _ := p.limiter.blocked(util.Fingerprint(name)); blocked {
		return idpError(identity.CodeLimitExceeded, "Attempt limit exceeded, please try after some time.")
	}
	if _, ok := p.users[name]; !ok {
		return idpError(identity.CodeUserNotFound, "Username/client id combination not found.")
	}
	code, err := util.RandomDigits(6)
	if err != nil {
		return err
	}
	data, err := json.Marshal(resetCode{Code: code, ExpiresAt: p.opts.Clock().Add(p.opts.CodeTTL)})
	if err != nil {
		return err
	}
	if err := p.opts.State.Put(stateBucket, "code:"+name, data); err != nil {
		return fmt.Errorf("storing reset code: %w", err)
	}
	p.opts.CodeSink(name, code)
	return nil
}

func (p *Provider) ConfirmResetPassword(ctx context.Context, username, code, newPassword string) error {
	name := util.NormalizeUsername(username)
	if name == "" || code == "" || newPassword == "" {
		return idpError(identity.CodeInvalidParameter, "username, code and password are required")
	}
	if _, ok := p.users[name]; !ok {
		return idpError(identity.CodeUserNotFound, "Username/client id combination not found.")
	}
	fp := util.Fingerprint(name)
	if blocked, _ := p.limiter.blocked(fp); blocked {
		return idpError(identity.CodeLimitExceeded, "Attempt limit exceeded, please try after some time.")
	}

	data, err := p.opts.State.Get(stateBucket, "code:"+name)
	if err != nil {
		return idpError(identity.CodeExpiredCode, "Invalid code provided, please request a code again.")
	}
	var rc resetCode
	if err := json.Unmarshal(data, &rc); err != nil || !p.opts.Clock().Before(rc.ExpiresAt) {
		_ = p.opts.State.Delete(stateBucket, "code:"+name)
		return idpError(identity.CodeExpiredCode, "Invalid code provided, please request a code again.")
	}
	if subtle.ConstantTimeCompare([]byte(rc.Code), []byte(code)) != 1 {
		p.limiter.failure(fp)
		return idpError(identity.CodeCodeMismatch, "Invalid verification code provided, please try again.")
	}
	if err := checkPasswordPolicy(newPassword); err != nil {
		return err
	}
	hash, err := util.HashPassword(newPassword, util.DefaultArgon2idParams())
	if err != nil {
		return err
	}
	if err := p.opts.State.Put(stateBucket, "pwd:"+name, []byte(hash)); err != nil {
		return fmt.Errorf("storing password: %w", err)
	}
	_ = p.opts.State.Delete(stateBucket, "code:"+name)
	p.limiter.success(fp)
	p.logger.Info("password reset confirmed", "username", name)
	return nil
}

// VerifyAccessToken checks signature, expiry, issuer, token use and
// sign-out generation.
func (p *Provider) VerifyAccessToken(ctx context.Context, token string) (identity.Claims, error) {
	return p.verify(token, tokenUseAccess)
}

func (p *Provider) verify(token, use string) (identity.Claims, error) {
	var tc tokenClaims
	_, err := jwt.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
		return p.opts.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.opts.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.opts.Clock),
	)
	if err != nil {
		return identity.Claims{}, fmt.Errorf("%w: %v", identity.ErrInvalidToken, err)
	}
	if tc.TokenUse != use {
		return identity.Claims{}, fmt.Errorf("%w: token use %q", identity.ErrInvalidToken, tc.TokenUse)
	}
	gen, err := p.generation(tc.Username)
	if err != nil {
		return identity.Claims{}, err
	}
	if tc.Generation != gen {
		return identity.Claims{}, fmt.Errorf("%w: revoked", identity.ErrInvalidToken)
	}
	return tc.AccessClaims.Claims(), nil
}

func (p *Provider) issue(name, refresh string) (identity.Tokens, error) {
	u, ok := p.users[name]
	if !ok {
		return identity.Tokens{}, idpError(identity.CodeUserNotFound, "User does not exist.")
	}
	gen, err := p.generation(name)
	if err != nil {
		return identity.Tokens{}, err
	}
	sub, err := p.subject(name)
	if err != nil {
		return identity.Tokens{}, err
	}
	now := p.opts.Clock()
	sign := func(use string, ttl time.Duration) (string, error) {
		claims := tokenClaims{
			AccessClaims: identity.AccessClaims{
				Username: name,
				Groups:   u.Groups,
				TokenUse: use,
				RegisteredClaims: jwt.RegisteredClaims{
					Issuer:    p.opts.Issuer,
					Subject:   sub,
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
					ID:        uuid.New(),
				},
			},
			Generation: gen,
		}
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.opts.Secret)
	}
	access, err := sign(tokenUseAccess, p.opts.AccessTTL)
	if err != nil {
		return identity.Tokens{}, fmt.Errorf("signing access token: %w", err)
	}
	if refresh == "" {
		if refresh, err = sign(tokenUseRefresh, p.opts.RefreshTTL); err != nil {
			return identity.Tokens{}, fmt.Errorf("signing refresh token: %w", err)
		}
	}
	return identity.Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(p.opts.AccessTTL),
		Username:     name,
	}, nil
}

func (p *Provider) passwordHash(name string, u User) string {
	if h, err := p.opts.State.Get(stateBucket, "pwd:"+name); err == nil {
		return string(h)
	}
	return u.PasswordHash
}

func (p *Provider) generation(name string) (int, error) {
	data, err := p.opts.State.Get(stateBucket, "gen:"+name)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading generation: %w", err)
	}
	gen, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, nil
	}
	return gen, nil
}

// subject returns the stable subject ID of name, assigning one on first
// use.
func (p *Provider) subject(name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := p.opts.State.Get(stateBucket, "sub:"+name)
	if err == nil && uuid.Valid(string(data)) {
		return string(data), nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("reading subject: %w", err)
	}
	sub := uuid.New()
	if err := p.opts.State.Put(stateBucket, "sub:"+name, []byte(sub)); err != nil {
		return "", fmt.Errorf("storing subject: %w", err)
	}
	return sub, nil
}

func (p *Provider) bumpGeneration(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	gen, err := p.generation(name)
	if err != nil {
		return err
	}
	return p.opts.State.Put(stateBucket, "gen:"+name, []byte(strconv.Itoa(gen+1)))
}

func checkPasswordPolicy(pw string) error {
	var upper, lower, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if len([]rune(pw)) < 8 || !upper || !lower || !digit {
		return idpError(identity.CodeInvalidPassword, "Password does not conform to policy.")
	}
	return nil
}
