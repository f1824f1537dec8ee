package guard

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/jmcleod/crmgate/session"
)

// Action is what the guard does with a request.
type Action string

const (
	ActionBypass   Action = "bypass"
	ActionPass     Action = "pass"
	ActionRedirect Action = "redirect"
)

// Decision is the policy outcome for one request.
type Decision struct {
	Action   Action
	Location string
	Reason   string
}

// DefaultProtectedPrefixes lists the pages that require a session.
var DefaultProtectedPrefixes = []string{
	session.PathDashboard, "/sales", session.PathCosts, "/profits", "/map", "/settings",
}

// DefaultBypassPrefixes are never guarded.
var DefaultBypassPrefixes = []string{"/api/", "/_next/", "/metrics", "/docs"}

// DefaultAuthPaths are only meaningful without a session.
var DefaultAuthPaths = []string{session.PathLogin, "/forgot-password", "/reset-password"}

var staticFile = regexp.MustCompile(`\.(.*)$`)

// Policy is the route policy enforced by the middleware. The zero value
// is not usable; use DefaultPolicy.
type Policy struct {
	HealthPath        string
	BypassPrefixes    []string
	ProtectedPrefixes []string
	AuthPaths         []string
}

// DefaultPolicy returns the standard route policy.
func DefaultPolicy() Policy {
	return Policy{
		HealthPath:        "/health",
		BypassPrefixes:    append([]string(nil), DefaultBypassPrefixes...),
		ProtectedPrefixes: append([]string(nil), DefaultProtectedPrefixes...),
		AuthPaths:         append([]string(nil), DefaultAuthPaths...),
	}
}

// Bypassed reports whether path skips the guard entirely.
func (p Policy) Bypassed(path string) bool {
	if path == p.HealthPath || staticFile.MatchString(path) {
		return true
	}
	for _, prefix := range p.BypassPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// IsAuthPath reports whether path is a sign-in or password page.
func (p Policy) IsAuthPath(path string) bool {
	return hasAnyPrefix(path, p.AuthPaths)
}

// Decide applies the policy to path for a request with the given session
// validation result. The first matching rule wins.
func (p Policy) Decide(path string, res Result) Decision {
	if p.Bypassed(path) {
		return Decision{Action: ActionBypass}
	}
	authed := res.Valid

	if !authed && hasAnyPrefix(path, p.ProtectedPrefixes) {
		return Decision{
			Action:   ActionRedirect,
			Location: session.PathLogin + "?redirect=" + url.QueryEscape(path),
			Reason:   "unauthenticated",
		}
	}
	if authed && p.IsAuthPath(path) {
		return Decision{Action: ActionRedirect, Location: res.Role.Landing(), Reason: "already_authenticated"}
	}
	if authed && strings.HasPrefix(path, session.PathDashboard) && !res.Role.CanViewDashboard() {
		return Decision{Action: ActionRedirect, Location: session.PathCosts, Reason: "role_not_allowed"}
	}
	if path == "/" {
		if authed {
			return Decision{Action: ActionRedirect, Location: res.Role.Landing(), Reason: "root"}
		}
		return Decision{Action: ActionRedirect, Location: session.PathLogin, Reason: "root"}
	}
	return Decision{Action: ActionPass}
}

// hasAnyPrefix is a plain string prefix match, so /costs also covers
// /costs-summary and /sales covers /salesph.
func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
