// Package backend is a small client for the CRM backend API calls the
// session core depends on: user profile lookup and the session-start ping.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jmcleod/crmgate/cancellation"
)

// ErrUserNotFound is returned by GetUser when the backend answers 404.
var ErrUserNotFound = errors.New("user not found")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
}

// User is the profile record served by GET /api/users/{username}.
type User struct {
	ID              int64    `json:"id"`
	CognitoUserName string   `json:"cognito_user_name"`
	Name            string   `json:"name"`
	FullName        string   `json:"full_name"`
	Position        string   `json:"position,omitempty"`
	Branch          string   `json:"branch,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
	Latitude        *float64 `json:"latitude,omitempty"`
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// Retries is the number of extra attempts after the first one.
	Retries    int
	RetryDelay time.Duration
	// Token, if set, returns a bearer token to attach to each request.
	Token func(ctx context.Context) (string, error)
	// Cancellation registers every request under ContextKey so it can be
	// aborted with the navigation context that issued it.
	Cancellation *cancellation.Registry
	ContextKey   string
	Logger       *slog.Logger
}

// Client talks to the CRM backend.
type Client struct {
	base   *url.URL
	http   *http.Client
	opts   Options
	logger *slog.Logger
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", opts.BaseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.ContextKey == "" {
		opts.ContextKey = "session"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		base:   base,
		http:   opts.HTTPClient,
		opts:   opts,
		logger: logger.With("component", "backend"),
	}, nil
}

// GetUser fetches the profile of username.
func (c *Client) GetUser(ctx context.Context, username string) (User, error) {
	var u User
	path := "/api/users/" + url.PathEscape(username)
	err := c.do(ctx, http.MethodGet, path, func(resp *http.Response) error {
		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(ErrUserNotFound)
		}
		return json.NewDecoder(resp.Body).Decode(&u)
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// StartSession records the start of a session on the backend.
func (c *Client) StartSession(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/api/config/update-date", nil)
}

func (c *Client) do(ctx context.Context, method, path string, handle func(*http.Response) error) error {
	ctx, done := ctx, func() {}
	if c.opts.Cancellation != nil {
		ctx, done = c.opts.Cancellation.Track(ctx, c.opts.ContextKey)
	}
	defer done()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.RetryDelay), uint64(c.opts.Retries)),
		ctx,
	)
	attempt := 0
	op := func() error {
		attempt++
		return c.attempt(ctx, method, path, handle)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("backend request failed, retrying",
			"method", method, "path", path, "attempt", attempt, "wait", wait, "error", err)
	}
	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return nil
	}
	err = cancellation.Cause(ctx, err)
	if cancellation.IsCanceled(err) {
		c.logger.Debug("backend request aborted", "method", method, "path", path)
	}
	return err
}

func (c *Client) attempt(ctx context.Context, method, path string, handle func(*http.Response) error) error {
	if err := ctx.Err(); err != nil {
		return backoff.Permanent(err)
	}
	actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, method, c.base.String()+path, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.Token != nil {
		tok, err := c.opts.Token(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("obtaining access token: %w", err))
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound && handle != nil:
		return handle(resp)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return backoff.Permanent(&StatusError{Method: method, Path: path, Code: resp.StatusCode})
	}
	if handle == nil {
		return nil
	}
	if err := handle(resp); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		return backoff.Permanent(fmt.Errorf("decoding %s response: %w", path, err))
	}
	return nil
}
