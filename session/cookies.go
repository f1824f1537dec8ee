package session

import (
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Mirrored cookie names.
const (
	CookieRole      = "userRole"
	CookieName      = "userName"
	CookieLocale    = "userLocale"
	CookieFullName  = "userFullName"
	CookieBranch    = "userBranch"
	CookieLongitude = "userLongitude"
	CookieLatitude  = "userLatitude"

	// DefaultCookieMaxAge is the lifetime of mirrored cookies.
	DefaultCookieMaxAge = 24 * time.Hour
)

// MirroredCookies lists every cookie the mirror writes.
var MirroredCookies = []string{
	CookieRole, CookieName, CookieLocale, CookieFullName, CookieBranch, CookieLongitude, CookieLatitude,
}

// CookieMirror copies a denormalized subset of the session state into a
// cookie jar for the frontend origin. A mirror without a jar does nothing.
type CookieMirror struct {
	jar    http.CookieJar
	origin *url.URL
	maxAge time.Duration
	secure bool
}

// NewCookieMirror returns a mirror writing into jar for origin. A nil jar
// yields a mirror whose writes are no-ops.
func NewCookieMirror(jar http.CookieJar, origin *url.URL, maxAge time.Duration) *CookieMirror {
	if maxAge <= 0 {
		maxAge = DefaultCookieMaxAge
	}
	m := &CookieMirror{jar: jar, origin: origin, maxAge: maxAge}
	if origin != nil {
		m.secure = origin.Scheme == "https"
	}
	return m
}

func (m *CookieMirror) enabled() bool {
	return m != nil && m.jar != nil && m.origin != nil
}

// Cookies builds the mirrored cookie set for st. Coordinates are only
// included when known. userName prefers the display name.
func (m *CookieMirror) Cookies(st State, displayName string) []*http.Cookie {
	name := displayName
	if name == "" {
		name = st.Username
	}
	out := []*http.Cookie{
		m.cookie(CookieRole, string(st.Role)),
		m.cookie(CookieName, name),
		m.cookie(CookieLocale, st.Profile.Locale),
		m.cookie(CookieFullName, st.Profile.FullName),
		m.cookie(CookieBranch, st.Profile.Branch),
	}
	if st.Profile.Longitude != nil {
		out = append(out, m.cookie(CookieLongitude, formatFloat(*st.Profile.Longitude)))
	}
	if st.Profile.Latitude != nil {
		out = append(out, m.cookie(CookieLatitude, formatFloat(*st.Profile.Latitude)))
	}
	return out
}

// Write mirrors st into the jar. Coordinate cookies left over from an
// earlier profile are expired when st has no coordinates.
func (m *CookieMirror) Write(st State, displayName string) {
	if !m.enabled() {
		return
	}
	cookies := m.Cookies(st, displayName)
	if st.Profile.Longitude == nil {
		cookies = append(cookies, expiredCookie(CookieLongitude))
	}
	if st.Profile.Latitude == nil {
		cookies = append(cookies, expiredCookie(CookieLatitude))
	}
	m.jar.SetCookies(m.origin, cookies)
}

// Clear expires every mirrored cookie.
func (m *CookieMirror) Clear() {
	if !m.enabled() {
		return
	}
	expired := make([]*http.Cookie, 0, len(MirroredCookies))
	for _, name := range MirroredCookies {
		expired = append(expired, expiredCookie(name))
	}
	m.jar.SetCookies(m.origin, expired)
}

// Values returns the mirrored cookies currently in the jar, keyed by name.
func (m *CookieMirror) Values() map[string]string {
	out := make(map[string]string)
	if !m.enabled() {
		return out
	}
	for _, c := range m.jar.Cookies(m.origin) {
		v, err := url.PathUnescape(c.Value)
		if err != nil {
			v = c.Value
		}
		out[c.Name] = v
	}
	return out
}

func (m *CookieMirror) cookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    url.PathEscape(value),
		Path:     "/",
		MaxAge:   int(m.maxAge / time.Second),
		SameSite: http.SameSiteLaxMode,
		Secure:   m.secure,
	}
}

func expiredCookie(name string) *http.Cookie {
	return &http.Cookie{Name: name, Path: "/", MaxAge: -1, Expires: time.Unix(0, 0)}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
