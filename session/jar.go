package session

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jmcleod/crmgate/storage"
)

const cookieBucket = "cookies"

type storedCookie struct {
	Value   string    `json:"value"`
	Expires time.Time `json:"expires"`
}

// RepositoryJar is an http.CookieJar persisted in a repository so cookies
// survive between CLI invocations. It serves a single origin, so cookies
// are keyed by name only.
type RepositoryJar struct {
	repo   storage.Repository
	now    func() time.Time
	logger *slog.Logger
}

var _ http.CookieJar = (*RepositoryJar)(nil)

// NewRepositoryJar returns a jar storing cookies in repo.
func NewRepositoryJar(repo storage.Repository, logger *slog.Logger) *RepositoryJar {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RepositoryJar{repo: repo, now: time.Now, logger: logger.With("component", "cookie-jar")}
}

func (j *RepositoryJar) SetCookies(_ *url.URL, cookies []*http.Cookie) {
	now := j.now()
	for _, c := range cookies {
		var expires time.Time
		switch {
		case c.MaxAge < 0:
			_ = j.repo.Delete(cookieBucket, c.Name)
			continue
		case c.MaxAge > 0:
			expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !c.Expires.IsZero():
			if !c.Expires.After(now) {
				_ = j.repo.Delete(cookieBucket, c.Name)
				continue
			}
			expires = c.Expires
		}
		data, err := json.Marshal(storedCookie{Value: c.Value, Expires: expires})
		if err != nil {
			continue
		}
		if err := j.repo.Put(cookieBucket, c.Name, data); err != nil {
			j.logger.Warn("storing cookie failed", "name", c.Name, "error", err)
		}
	}
}

func (j *RepositoryJar) Cookies(_ *url.URL) []*http.Cookie {
	names, err := j.repo.List(cookieBucket)
	if err != nil {
		return nil
	}
	now := j.now()
	var out []*http.Cookie
	for _, name := range names {
		data, err := j.repo.Get(cookieBucket, name)
		if err != nil {
			continue
		}
		var sc storedCookie
		if err := json.Unmarshal(data, &sc); err != nil {
			_ = j.repo.Delete(cookieBucket, name)
			continue
		}
		if !sc.Expires.IsZero() && !sc.Expires.After(now) {
			_ = j.repo.Delete(cookieBucket, name)
			continue
		}
		out = append(out, &http.Cookie{Name: name, Value: sc.Value})
	}
	return out
}
