// Package cognito implements identity.Provider on an AWS Cognito user pool.
package cognito

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"

	"github.com/jmcleod/crmgate/identity"
)

// API is the subset of the Cognito client used by Provider.
type API interface {
	InitiateAuth(ctx context.Context, in *cip.InitiateAuthInput, opts ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
	GetUser(ctx context.Context, in *cip.GetUserInput, opts ...func(*cip.Options)) (*cip.GetUserOutput, error)
	GlobalSignOut(ctx context.Context, in *cip.GlobalSignOutInput, opts ...func(*cip.Options)) (*cip.GlobalSignOutOutput, error)
	RevokeToken(ctx context.Context, in *cip.RevokeTokenInput, opts ...func(*cip.Options)) (*cip.RevokeTokenOutput, error)
	ForgotPassword(ctx context.Context, in *cip.ForgotPasswordInput, opts ...func(*cip.Options)) (*cip.ForgotPasswordOutput, error)
	ConfirmForgotPassword(ctx context.Context, in *cip.ConfirmForgotPasswordInput, opts ...func(*cip.Options)) (*cip.ConfirmForgotPasswordOutput, error)
}

// Config identifies the user pool and app client.
type Config struct {
	Region       string
	UserPoolID   string
	ClientID     string
	ClientSecret string
	// Endpoint overrides the Cognito endpoint (e.g. a local emulator).
	Endpoint string
}

// Provider signs users in against Cognito and keeps their tokens in a
// TokenCache.
type Provider struct {
	api    API
	cfg    Config
	cache  identity.TokenCache
	now    func() time.Time
	logger *slog.Logger
}

var _ identity.Provider = (*Provider)(nil)

// New loads AWS configuration from the environment and returns a Provider.
func New(ctx context.Context, cfg Config, cache identity.TokenCache, logger *slog.Logger) (*Provider, error) {
	if cfg.Region == "" || cfg.ClientID == "" {
		return nil, errors.New("cognito: region and client id are required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("cognito: loading aws config: %w", err)
	}
	client := cip.NewFromConfig(awsCfg, func(o *cip.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithAPI(client, cfg, cache, logger), nil
}

// NewWithAPI builds a Provider around an existing API implementation.
func NewWithAPI(api API, cfg Config, cache identity.TokenCache, logger *slog.Logger) *Provider {
	if cache == nil {
		cache = identity.NewMemoryTokenCache()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{
		api:    api,
		cfg:    cfg,
		cache:  cache,
		now:    time.Now,
		logger: logger.With("component", "cognito"),
	}
}

func (p *Provider) secretHash(username string) *string {
	if p.cfg.ClientSecret == "" {
		return nil
	}
	mac := hmac.New(sha256.New, []byte(p.cfg.ClientSecret))
	mac.Write([]byte(username + p.cfg.ClientID))
	return aws.String(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}

func (p *Provider) authParams(username string, params map[string]string) map[string]string {
	if h := p.secretHash(username); h != nil {
		params["SECRET_HASH"] = *h
	}
	return params
}

func (p *Provider) SignIn(ctx context.Context, username, password string) error {
	out, err := p.api.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow: types.AuthFlowTypeUserPasswordAuth,
		ClientId: aws.String(p.cfg.ClientID),
		AuthParameters: p.authParams(username, map[string]string{
			"USERNAME": username,
			"PASSWORD": password,
		}),
	})
	if err != nil {
		return mapError(err)
	}
	if out.AuthenticationResult == nil {
		p.logger.Warn("sign-in challenge not supported", "username", username, "challenge", string(out.ChallengeName))
		return fmt.Errorf("%w: %s", identity.ErrChallengeRequired, out.ChallengeName)
	}
	tokens := p.tokens(out.AuthenticationResult, "")
	claims, err := identity.ParseUnverified(tokens.AccessToken)
	if err != nil {
		return err
	}
	tokens.Username = claims.Username
	return p.cache.Save(tokens)
}

func (p *Provider) FetchSession(ctx context.Context) (identity.Session, error) {
	tokens, err := p.cache.Load()
	if err != nil {
		return identity.Session{}, identity.ErrNoSession
	}
	if !tokens.Expired(p.now()) {
		claims, err := identity.ParseUnverified(tokens.AccessToken)
		if err == nil {
			return identity.Session{Tokens: tokens, Claims: claims}, nil
		}
	}
	if tokens.RefreshToken == "" {
		_ = p.cache.Clear()
		return identity.Session{}, identity.ErrNoSession
	}

	out, err := p.api.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow: types.AuthFlowTypeRefreshTokenAuth,
		ClientId: aws.String(p.cfg.ClientID),
		AuthParameters: p.authParams(tokens.Username, map[string]string{
			"REFRESH_TOKEN": tokens.RefreshToken,
		}),
	})
	if err != nil || out.AuthenticationResult == nil {
		p.logger.Info("session refresh failed", "username", tokens.Username, "error", err)
		_ = p.cache.Clear()
		return identity.Session{}, identity.ErrNoSession
	}
	refreshed := p.tokens(out.AuthenticationResult, tokens.RefreshToken)
	refreshed.Username = tokens.Username
	claims, err := identity.ParseUnverified(refreshed.AccessToken)
	if err != nil {
		return identity.Session{}, err
	}
	if err := p.cache.Save(refreshed); err != nil {
		return identity.Session{}, err
	}
	return identity.Session{Tokens: refreshed, Claims: claims}, nil
}

func (p *Provider) CurrentUser(ctx context.Context) (identity.User, error) {
	sess, err := p.FetchSession(ctx)
	if err != nil {
		return identity.User{}, err
	}
	out, err := p.api.GetUser(ctx, &cip.GetUserInput{AccessToken: aws.String(sess.Tokens.AccessToken)})
	if err != nil {
		return identity.User{}, mapError(err)
	}
	u := identity.User{
		Username:   aws.ToString(out.Username),
		Attributes: make(map[string]string, len(out.UserAttributes)),
	}
	for _, a := range out.UserAttributes {
		u.Attributes[aws.ToString(a.Name)] = aws.ToString(a.Value)
	}
	u.UserID = u.Attributes["sub"]
	return u, nil
}

func (p *Provider) SignOut(ctx context.Context, global bool) error {
	tokens, err := p.cache.Load()
	if err != nil {
		return nil
	}
	var callErr error
	if global {
		_, callErr = p.api.GlobalSignOut(ctx, &cip.GlobalSignOutInput{AccessToken: aws.String(tokens.AccessToken)})
	} else if tokens.RefreshToken != "" {
		in := &cip.RevokeTokenInput{ClientId: aws.String(p.cfg.ClientID), Token: aws.String(tokens.RefreshToken)}
		if p.cfg.ClientSecret != "" {
			in.ClientSecret = aws.String(p.cfg.ClientSecret)
		}
		_, callErr = p.api.RevokeToken(ctx, in)
	}
	if err := p.cache.Clear(); err != nil {
		return err
	}
	if callErr != nil {
		return mapError(callErr)
	}
	return nil
}

func (p *Provider) ResetPassword(ctx context.Context, username string) error {
	_, err := p.api.ForgotPassword(ctx, &cip.ForgotPasswordInput{
		ClientId:   aws.String(p.cfg.ClientID),
		Username:   aws.String(username),
		SecretHash: p.secretHash(username),
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (p *Provider) ConfirmResetPassword(ctx context.Context, username, code, newPassword string) error {
	_, err := p.api.ConfirmForgotPassword(ctx, &cip.ConfirmForgotPasswordInput{
		ClientId:         aws.String(p.cfg.ClientID),
		Username:         aws.String(username),
		ConfirmationCode: aws.String(code),
		Password:         aws.String(newPassword),
		SecretHash:       p.secretHash(username),
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (p *Provider) tokens(r *types.AuthenticationResultType, refresh string) identity.Tokens {
	t := identity.Tokens{
		AccessToken:  aws.ToString(r.AccessToken),
		IDToken:      aws.ToString(r.IdToken),
		RefreshToken: aws.ToString(r.RefreshToken),
		ExpiresAt:    p.now().Add(time.Duration(r.ExpiresIn) * time.Second),
	}
	if t.RefreshToken == "" {
		t.RefreshToken = refresh
	}
	return t
}

// mapError converts an SDK error into an *identity.Error carrying the
// service error code.
func mapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &identity.Error{Code: apiErr.ErrorCode(), Message: apiErr.ErrorMessage(), Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &identity.Error{Code: identity.CodeUnknown, Message: err.Error(), Err: err}
}
