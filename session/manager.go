package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/jmcleod/crmgate/cancellation"
	"github.com/jmcleod/crmgate/identity"
	"github.com/jmcleod/crmgate/internal/metrics"
	"github.com/jmcleod/crmgate/internal/util"
	"github.com/jmcleod/crmgate/profile"
)

// DefaultRefreshInterval is the minimum time between background profile
// refreshes.
const DefaultRefreshInterval = 30 * time.Second

// ProfileSource is the profile lookup used by the manager.
type ProfileSource interface {
	Fetch(ctx context.Context, username string) (profile.Profile, bool)
	Invalidate(username string)
}

// SessionStarter records the start of a session on the backend.
type SessionStarter interface {
	StartSession(ctx context.Context) error
}

// Navigator performs client-side navigation.
type Navigator interface {
	Replace(path string)
}

// Options configures a Manager.
type Options struct {
	Provider identity.Provider
	Profiles ProfileSource
	Store    *StateStore
	// Optional collaborators.
	Mirror          *CookieMirror
	Backend         SessionStarter
	Navigator       Navigator
	Language        language.Tag
	RefreshInterval time.Duration
	Clock           func() time.Time
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// SignInResult is returned by a successful SignIn.
type SignInResult struct {
	Success bool
	Role    Role
	// Landing is the role's default page.
	Landing string
}

// Manager owns the session state and its mirrors. Create one per process
// and share it.
type Manager struct {
	provider  identity.Provider
	profiles  ProfileSource
	store     *StateStore
	mirror    *CookieMirror
	backend   SessionStarter
	navigator Navigator
	tr        *Translator
	interval  time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *slog.Logger

	checking   atomic.Bool
	refreshing atomic.Bool

	mu          sync.Mutex
	state       State
	displayName string
	phase       Phase
	loading     bool
	errMsg      string
	lastRefresh time.Time
	subs        map[int]func(View)
	nextSub     int

	bg sync.WaitGroup
}

// NewManager builds a Manager and restores any persisted state.
func NewManager(opts Options) *Manager {
	if opts.Language == language.Und {
		opts.Language = language.Polish
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		provider:  opts.Provider,
		profiles:  opts.Profiles,
		store:     opts.Store,
		mirror:    opts.Mirror,
		backend:   opts.Backend,
		navigator: opts.Navigator,
		tr:        NewTranslator(opts.Language),
		interval:  opts.RefreshInterval,
		now:       opts.Clock,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "session"),
		phase:     PhaseUnknown,
		subs:      make(map[int]func(View)),
	}
	if st, ok := m.store.GetState(); ok {
		m.state = st
		if st.IsAuthenticated {
			m.phase = PhaseAuthenticated
		} else {
			m.phase = PhaseUnauthenticated
		}
	}
	return m
}

// Snapshot returns the current view.
func (m *Manager) Snapshot() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked()
}

func (m *Manager) viewLocked() View {
	st := m.state.Clone()
	return View{
		IsAuthenticated: st.IsAuthenticated,
		Role:            st.Role,
		Username:        st.Username,
		FullName:        st.Profile.FullName,
		Branch:          st.Profile.Branch,
		Locale:          st.Profile.Locale,
		Longitude:       st.Profile.Longitude,
		Latitude:        st.Profile.Latitude,
		Loading:         m.loading,
		Error:           m.errMsg,
		Phase:           m.phase,
	}
}

// Subscribe registers fn to be called with a fresh View after every state
// change. The returned func unsubscribes.
func (m *Manager) Subscribe(fn func(View)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// update applies fn under the lock, then notifies subscribers outside it.
func (m *Manager) update(fn func()) {
	m.mu.Lock()
	fn()
	v := m.viewLocked()
	subs := make([]func(View), 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s(v)
	}
}

func (m *Manager) setError(key string) {
	m.update(func() {
		m.errMsg = m.tr.Text(key)
		m.loading = false
	})
}

// CheckAuthState validates the provider session and reconciles the local
// state with it. A call made while another is in progress returns the
// current IsAuthenticated value without waiting.
func (m *Manager) CheckAuthState(ctx context.Context) bool {
	if !m.checking.CompareAndSwap(false, true) {
		return m.Snapshot().IsAuthenticated
	}
	defer m.checking.Store(false)

	m.update(func() {
		m.phase = PhaseChecking
		m.loading = true
	})

	st, display, err := m.resolve(ctx)
	if err != nil {
		if cancellation.IsCanceled(err) {
			m.logger.Debug("session check aborted")
			m.update(func() {
				m.loading = false
				m.phase = phaseFor(m.state)
			})
			return m.Snapshot().IsAuthenticated
		}
		if !errors.Is(err, identity.ErrNoSession) {
			m.logger.Info("session check failed", "error", err)
		}
		m.clear()
		return false
	}

	if err := m.store.SetState(&st); err != nil {
		m.logger.Warn("persisting session state failed", "error", err)
	}
	m.mirror.Write(st, display)
	m.update(func() {
		m.state = st
		m.state.Timestamp = m.now().UTC()
		m.displayName = display
		m.phase = PhaseAuthenticated
		m.loading = false
	})
	return true
}

func phaseFor(st State) Phase {
	if st.IsAuthenticated {
		return PhaseAuthenticated
	}
	return PhaseUnauthenticated
}

// resolve builds a fresh state from the provider session, the current user
// and the user's profile. The last two are fetched concurrently.
func (m *Manager) resolve(ctx context.Context) (State, string, error) {
	sess, err := m.provider.FetchSession(ctx)
	if err != nil {
		return State{}, "", err
	}
	role := RoleFromGroups(sess.Claims.Groups)
	username := sess.Claims.Username
	if username == "" {
		username = sess.Tokens.Username
	}

	var (
		user   identity.User
		prof   profile.Profile
		profOK bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		user, err = m.provider.CurrentUser(gctx)
		return err
	})
	g.Go(func() error {
		if username != "" {
			prof, profOK = m.profiles.Fetch(gctx, username)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return State{}, "", err
	}
	if user.Username == "" {
		return State{}, "", errors.New("provider returned no username")
	}
	if !profOK && user.Username != username {
		prof, profOK = m.profiles.Fetch(ctx, user.Username)
	}

	locale := user.Attributes["locale"]
	if locale == "" {
		locale = user.Attributes["custom:locale"]
	}
	st := State{
		IsAuthenticated: true,
		Role:            role,
		Username:        user.Username,
		Profile: Profile{
			FullName:  prof.FullName,
			Branch:    prof.Branch,
			Locale:    CanonicalLocale(locale),
			Longitude: prof.Longitude,
			Latitude:  prof.Latitude,
		},
	}
	display := prof.Name
	if display == "" {
		display = user.Username
	}
	return st, display, nil
}

// clear resets the state and every mirror.
func (m *Manager) clear() {
	if err := m.store.SetState(nil); err != nil {
		m.logger.Warn("clearing session state failed", "error", err)
	}
	m.mirror.Clear()
	m.update(func() {
		m.state = State{}
		m.displayName = ""
		m.phase = PhaseUnauthenticated
		m.loading = false
	})
}

// SignIn authenticates with the provider and loads the full session. On
// failure the localized message is stored in the Error field and returned
// as an *Error.
func (m *Manager) SignIn(ctx context.Context, username, password string) (SignInResult, error) {
	m.update(func() {
		m.errMsg = ""
		m.loading = true
	})
	username = util.NormalizeUsername(username)

	if err := m.provider.SignIn(ctx, username, password); err != nil {
		code := identity.CodeOf(err)
		key := MessageKey(OpSignIn, code)
		m.setError(key)
		m.metrics.SignIn("failure")
		m.logger.Info("sign-in failed", "username", username, "code", code)
		return SignInResult{}, &Error{Op: OpSignIn, Code: code, Message: m.tr.Text(key), Err: err}
	}

	bg := context.WithoutCancel(ctx)
	m.goBackground(func() {
		m.profiles.Fetch(bg, username)
	})
	if m.backend != nil {
		m.goBackground(func() {
			if err := m.backend.StartSession(bg); err != nil {
				m.logger.Warn("session start call failed", "error", err)
			}
		})
	}

	m.CheckAuthState(ctx)
	v := m.Snapshot()
	if !v.IsAuthenticated || v.Role == RoleNone {
		m.setError(MsgNoAccess)
		m.metrics.SignIn("no_role")
		return SignInResult{}, &Error{Op: OpSignIn, Message: m.tr.Text(MsgNoAccess), Err: ErrNoAccess}
	}
	m.update(func() { m.loading = false })
	m.metrics.SignIn("success")
	m.logger.Info("user signed in", "username", v.Username, "role", string(v.Role))
	return SignInResult{Success: true, Role: v.Role, Landing: v.Role.Landing()}, nil
}

// SignOut ends the session everywhere, clears local state and mirrors and
// navigates to the login page. Local state is cleared even when the
// provider call fails; that failure is reported through Error.
func (m *Manager) SignOut(ctx context.Context) error {
	m.update(func() { m.loading = true })
	username := m.Snapshot().Username

	err := m.provider.SignOut(ctx, true)
	m.clear()
	if username != "" {
		m.profiles.Invalidate(username)
	}
	if m.navigator != nil {
		m.navigator.Replace(PathLogin)
	}
	if err != nil {
		m.setError(MsgLogoutError)
		m.logger.Warn("provider sign-out failed", "username", username, "error", err)
		return &Error{Op: OpSignOut, Code: identity.CodeOf(err), Message: m.tr.Text(MsgLogoutError), Err: err}
	}
	m.logger.Info("user signed out", "username", username)
	return nil
}

// ResetPassword starts the password reset flow. It never touches the
// session fields.
func (m *Manager) ResetPassword(ctx context.Context, username string) bool {
	return m.passThrough(OpReset, func() error {
		return m.provider.ResetPassword(ctx, util.NormalizeUsername(username))
	})
}

// ConfirmResetPassword completes the password reset flow.
func (m *Manager) ConfirmResetPassword(ctx context.Context, username, code, newPassword string) bool {
	return m.passThrough(OpConfirmReset, func() error {
		return m.provider.ConfirmResetPassword(ctx, util.NormalizeUsername(username), code, newPassword)
	})
}

func (m *Manager) passThrough(op Op, call func() error) bool {
	m.update(func() {
		m.errMsg = ""
		m.loading = true
	})
	if err := call(); err != nil {
		m.setError(MessageKey(op, identity.CodeOf(err)))
		m.logger.Info("password flow failed", "op", string(op), "code", identity.CodeOf(err))
		return false
	}
	m.update(func() { m.loading = false })
	return true
}

// RefreshUserData refetches the profile in the background, at most once per
// refresh interval, and updates state and mirrors only when something
// changed.
func (m *Manager) RefreshUserData(ctx context.Context) {
	now := m.now()
	m.mu.Lock()
	if now.Sub(m.lastRefresh) < m.interval || m.state.Username == "" || !m.state.IsAuthenticated {
		m.mu.Unlock()
		return
	}
	if !m.refreshing.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return
	}
	m.lastRefresh = now
	username := m.state.Username
	m.mu.Unlock()
	defer m.refreshing.Store(false)

	p, ok := m.profiles.Fetch(ctx, username)
	if !ok {
		return
	}

	m.mu.Lock()
	cur := m.state.Profile
	same := cur.FullName == p.FullName && cur.Branch == p.Branch &&
		floatEqual(cur.Longitude, p.Longitude) && floatEqual(cur.Latitude, p.Latitude)
	if same || m.state.Username != username {
		m.mu.Unlock()
		return
	}
	next := m.state.Clone()
	next.Profile.FullName = p.FullName
	next.Profile.Branch = p.Branch
	next.Profile.Longitude = cloneFloat(p.Longitude)
	next.Profile.Latitude = cloneFloat(p.Latitude)
	display := m.displayName
	m.mu.Unlock()

	if err := m.store.SetState(&next); err != nil {
		m.logger.Warn("persisting refreshed state failed", "error", err)
	}
	m.mirror.Write(next, display)
	m.update(func() { m.state = next })
	m.logger.Debug("profile refreshed", "username", username)
}

// Init runs the startup reconciliation: a full check when nothing is
// stored, otherwise a background profile refresh.
func (m *Manager) Init(ctx context.Context) {
	st, ok := m.store.GetState()
	if !ok {
		m.CheckAuthState(ctx)
		return
	}
	if st.Username != "" {
		bg := context.WithoutCancel(ctx)
		m.goBackground(func() { m.RefreshUserData(bg) })
	}
}

func (m *Manager) goBackground(fn func()) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		fn()
	}()
}

// Close waits for background work started by the manager.
func (m *Manager) Close() {
	m.bg.Wait()
}
