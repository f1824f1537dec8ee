// Package profile fetches user profile attributes from the backend and
// caches them with a short TTL.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jmcleod/crmgate/backend"
	"github.com/jmcleod/crmgate/cancellation"
	"github.com/jmcleod/crmgate/dedupe"
	"github.com/jmcleod/crmgate/internal/metrics"
	"github.com/jmcleod/crmgate/internal/util"
	"github.com/jmcleod/crmgate/storage"
)

const (
	// DefaultTTL is how long a cached profile is served without refetching.
	DefaultTTL = 5 * time.Minute

	bucket       = "profile"
	keyPrefix    = "user_api_data_"
	recordFormat = 1
)

// Profile holds the display attributes of a user.
type Profile struct {
	Name      string   `json:"name"`
	FullName  string   `json:"full_name"`
	Position  string   `json:"position,omitempty"`
	Branch    string   `json:"branch,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
}

// Source looks up a user on the backend.
type Source interface {
	GetUser(ctx context.Context, username string) (backend.User, error)
}

type cachedProfile struct {
	V         int       `json:"v"`
	Profile   Profile   `json:"profile"`
	Timestamp time.Time `json:"timestamp"`
}

// Fetcher is a TTL-cached, deduplicated profile lookup.
type Fetcher struct {
	src     Source
	repo    storage.Repository
	ttl     time.Duration
	now     func() time.Time
	group   dedupe.Group[Profile]
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

func WithTTL(ttl time.Duration) Option {
	return func(f *Fetcher) { f.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher returns a Fetcher reading from src and caching in repo.
func NewFetcher(src Source, repo storage.Repository, opts ...Option) *Fetcher {
	f := &Fetcher{
		src:    src,
		repo:   repo,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(f)
	}
	f.logger = f.logger.With("component", "profile")
	f.group.OnShared = func(string) { f.metrics.Deduped("profile") }
	return f
}

// Fetch returns the profile of username and whether one was found. It never
// fails: network, decode and cancellation errors all report false and leave
// the cache untouched.
func (f *Fetcher) Fetch(ctx context.Context, username string) (Profile, bool) {
	username = util.NormalizeUsername(username)
	if username == "" {
		return Profile{}, false
	}
	if p, ok := f.cached(username); ok {
		f.metrics.ProfileLookup("hit")
		return p, true
	}
	f.metrics.ProfileLookup("miss")

	p, _, err := f.group.Do(ctx, "profile:"+username, func(ctx context.Context) (Profile, error) {
		start := f.now()
		u, err := f.src.GetUser(ctx, username)
		f.metrics.ObserveProfileFetch(f.now().Sub(start).Seconds())
		if err != nil {
			return Profile{}, err
		}
		p := fromUser(u)
		f.store(username, p)
		return p, nil
	})
	if err != nil {
		switch {
		case cancellation.IsCanceled(err):
			f.logger.Debug("profile fetch aborted", "username", username)
		case errors.Is(err, backend.ErrUserNotFound):
			f.logger.Info("profile not found", "username", username)
		default:
			f.metrics.ProfileLookup("error")
			f.logger.Warn("profile fetch failed", "username", username, "error", err)
		}
		return Profile{}, false
	}
	return p, true
}

// Invalidate drops the cached profile of username.
func (f *Fetcher) Invalidate(username string) {
	username = util.NormalizeUsername(username)
	if err := f.repo.Delete(bucket, keyPrefix+username); err != nil && !errors.Is(err, storage.ErrNotFound) {
		f.logger.Warn("profile cache delete failed", "username", username, "error", err)
	}
}

func (f *Fetcher) cached(username string) (Profile, bool) {
	data, err := f.repo.Get(bucket, keyPrefix+username)
	if err != nil {
		return Profile{}, false
	}
	var rec cachedProfile
	if err := json.Unmarshal(data, &rec); err != nil || rec.V != recordFormat || f.now().Sub(rec.Timestamp) > f.ttl {
		f.Invalidate(username)
		return Profile{}, false
	}
	return rec.Profile, true
}

func (f *Fetcher) store(username string, p Profile) {
	data, err := json.Marshal(cachedProfile{V: recordFormat, Profile: p, Timestamp: f.now()})
	if err != nil {
		return
	}
	if err := storage.PutTTL(f.repo, bucket, keyPrefix+username, data, f.ttl); err != nil {
		f.logger.Warn("profile cache write failed", "username", username, "error", err)
	}
}

func fromUser(u backend.User) Profile {
	return Profile{
		Name:      u.Name,
		FullName:  u.FullName,
		Position:  u.Position,
		Branch:    u.Branch,
		Longitude: u.Longitude,
		Latitude:  u.Latitude,
	}
}
