package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/crmgate/storage/memory"
)

var testOrigin, _ = url.Parse("http://crm.local:3000/")

func TestCookieMirrorWriteAndClear(t *testing.T) {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	m := NewCookieMirror(jar, testOrigin, 0)

	st := sampleState()
	st.Profile.FullName = "Anna Nowak-Żółć"
	m.Write(st, "Anna")

	v := m.Values()
	assert.Equal(t, "BRANCH", v[CookieRole])
	assert.Equal(t, "Anna", v[CookieName])
	assert.Equal(t, "pl", v[CookieLocale])
	assert.Equal(t, "Anna Nowak-Żółć", v[CookieFullName])
	assert.Equal(t, "KRK", v[CookieBranch])
	assert.Equal(t, "19.94", v[CookieLongitude])
	assert.Equal(t, "50.06", v[CookieLatitude])

	m.Clear()
	assert.Empty(t, m.Values())
}

func TestCookieMirrorDropsStaleCoordinates(t *testing.T) {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	m := NewCookieMirror(jar, testOrigin, 0)

	m.Write(sampleState(), "Anna")
	require.Contains(t, m.Values(), CookieLongitude)

	moved := sampleState()
	moved.Profile.Longitude = nil
	moved.Profile.Latitude = nil
	m.Write(moved, "Anna")

	v := m.Values()
	assert.NotContains(t, v, CookieLongitude)
	assert.NotContains(t, v, CookieLatitude)
	assert.Equal(t, "KRK", v[CookieBranch])

	ud := ReadUserData(m, NewStateStore(memory.NewRepository()))
	assert.Nil(t, ud.Longitude)
	assert.Nil(t, ud.Latitude)
}

func TestCookieAttributes(t *testing.T) {
	secureOrigin, _ := url.Parse("https://crm.example.com")
	m := NewCookieMirror(nil, secureOrigin, 0)
	st := sampleState()
	st.Profile.Longitude = nil
	cookies := m.Cookies(st, "")

	names := map[string]*http.Cookie{}
	for _, c := range cookies {
		names[c.Name] = c
		assert.Equal(t, "/", c.Path)
		assert.Equal(t, 86400, c.MaxAge)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
		assert.True(t, c.Secure)
	}
	assert.NotContains(t, names, CookieLongitude)
	assert.Contains(t, names, CookieLatitude)
	assert.Equal(t, "anna", names[CookieName].Value)
}

func TestCookieMirrorWithoutJarIsNoop(t *testing.T) {
	var nilMirror *CookieMirror
	assert.NotPanics(t, func() {
		nilMirror.Write(sampleState(), "")
		nilMirror.Clear()
	})
	assert.Empty(t, nilMirror.Values())

	m := NewCookieMirror(nil, testOrigin, 0)
	m.Write(sampleState(), "")
	assert.Empty(t, m.Values())
}

func TestRepositoryJarPersists(t *testing.T) {
	repo := memory.NewRepository()
	clock := newFakeClock()
	jar := NewRepositoryJar(repo, nil)
	jar.now = clock.Now

	m := NewCookieMirror(jar, testOrigin, 0)
	m.Write(sampleState(), "")

	reopened := NewRepositoryJar(repo, nil)
	reopened.now = clock.Now
	assert.Equal(t, "BRANCH", NewCookieMirror(reopened, testOrigin, 0).Values()[CookieRole])

	clock.Advance(DefaultCookieMaxAge + 1)
	assert.Empty(t, NewCookieMirror(reopened, testOrigin, 0).Values())
}

func TestRepositoryJarClear(t *testing.T) {
	jar := NewRepositoryJar(memory.NewRepository(), nil)
	m := NewCookieMirror(jar, testOrigin, 0)
	m.Write(sampleState(), "")
	require.NotEmpty(t, m.Values())
	m.Clear()
	assert.Empty(t, m.Values())
}

func TestReadUserData(t *testing.T) {
	clock := newFakeClock()
	store := NewStateStore(memory.NewRepository(), WithStoreClock(clock.Now))
	st := sampleState()
	require.NoError(t, store.SetState(&st))

	t.Run("CookiesFirst", func(t *testing.T) {
		jar, _ := cookiejar.New(nil)
		m := NewCookieMirror(jar, testOrigin, 0)
		other := sampleState()
		other.Role = RoleBoard
		other.Profile.Branch = "WAW"
		m.Write(other, "")
		ud := ReadUserData(m, store)
		assert.Equal(t, RoleBoard, ud.Role)
		assert.Equal(t, "WAW", ud.Branch)
	})

	t.Run("FallsBackToStore", func(t *testing.T) {
		jar, _ := cookiejar.New(nil)
		m := NewCookieMirror(jar, testOrigin, 0)
		jar.SetCookies(testOrigin, []*http.Cookie{{Name: CookieRole, Value: "ADMIN", Path: "/"}})
		ud := ReadUserData(m, store)
		assert.Equal(t, RoleAdmin, ud.Role, "cookie value wins")
		assert.Equal(t, "KRK", ud.Branch)
		assert.Equal(t, "Anna Nowak", ud.FullName)
		require.NotNil(t, ud.Latitude)
		assert.InDelta(t, 50.06, *ud.Latitude, 1e-9)
	})

	t.Run("NothingAnywhere", func(t *testing.T) {
		empty := NewStateStore(memory.NewRepository())
		ud := ReadUserData(nil, empty)
		assert.Equal(t, UserData{}, ud)
	})
}
