package guard

import (
	"slices"
	"sync"

	"github.com/jmcleod/crmgate/session"
)

// ViewSource is the part of the session manager a client guard observes.
type ViewSource interface {
	Snapshot() session.View
	Subscribe(fn func(session.View)) func()
}

// ClientDecision tells a client whether to render guarded content and
// where to navigate instead.
type ClientDecision struct {
	Render   bool
	Redirect string
}

// ClientGuard mirrors the server policy for client-side navigation.
type ClientGuard struct {
	// RequireAuth defaults to true when the guard is built with
	// NewClientGuard.
	RequireAuth  bool
	AllowedRoles []session.Role
	// RedirectTo receives authenticated users who are not allowed here.
	RedirectTo string
}

// NewClientGuard returns a guard requiring a session and redirecting to
// the dashboard.
func NewClientGuard(allowed ...session.Role) ClientGuard {
	return ClientGuard{RequireAuth: true, AllowedRoles: allowed, RedirectTo: session.PathDashboard}
}

// Evaluate decides what to do for v. Nothing renders while the session is
// being resolved or while a redirect applies.
func (g ClientGuard) Evaluate(v session.View) ClientDecision {
	if v.Loading {
		return ClientDecision{}
	}
	switch v.Phase {
	case "", session.PhaseUnknown, session.PhaseChecking:
		return ClientDecision{}
	}
	redirectTo := g.RedirectTo
	if redirectTo == "" {
		redirectTo = session.PathDashboard
	}
	if g.RequireAuth && !v.IsAuthenticated {
		return ClientDecision{Redirect: session.PathLogin}
	}
	if len(g.AllowedRoles) > 0 && v.IsAuthenticated && !slices.Contains(g.AllowedRoles, v.Role) {
		return ClientDecision{Redirect: redirectTo}
	}
	if !g.RequireAuth && v.IsAuthenticated {
		return ClientDecision{Redirect: redirectTo}
	}
	return ClientDecision{Render: true}
}

// Binding is a guard attached to a view source.
type Binding struct {
	guard  ClientGuard
	nav    session.Navigator
	unsub  func()
	mu     sync.Mutex
	last   ClientDecision
	onEval func(ClientDecision)
}

// Bind evaluates g against the current view and again on every change,
// calling nav.Replace whenever a new redirect applies. onEval, when not
// nil, receives every decision.
func (g ClientGuard) Bind(src ViewSource, nav session.Navigator, onEval func(ClientDecision)) *Binding {
	b := &Binding{guard: g, nav: nav, onEval: onEval}
	b.unsub = src.Subscribe(b.apply)
	b.apply(src.Snapshot())
	return b
}

func (b *Binding) apply(v session.View) {
	d := b.guard.Evaluate(v)
	b.mu.Lock()
	fresh := d.Redirect != "" && d.Redirect != b.last.Redirect
	b.last = d
	b.mu.Unlock()
	if fresh && b.nav != nil {
		b.nav.Replace(d.Redirect)
	}
	if b.onEval != nil {
		b.onEval(d)
	}
}

// Decision returns the latest decision.
func (b *Binding) Decision() ClientDecision {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Close stops observing the view source.
func (b *Binding) Close() {
	b.unsub()
}
