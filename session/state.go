package session

import "time"

// Profile holds the display attributes kept with the session.
type Profile struct {
	FullName  string   `json:"fullName"`
	Branch    string   `json:"branch"`
	Locale    string   `json:"locale"`
	Longitude *float64 `json:"longitude,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
}

// State is the authoritative session state.
type State struct {
	IsAuthenticated bool      `json:"isAuthenticated"`
	Role            Role      `json:"userRole"`
	Username        string    `json:"username"`
	Profile         Profile   `json:"profile"`
	Timestamp       time.Time `json:"timestamp"`
}

// Valid reports whether s satisfies the authenticated-state invariant.
func (s State) Valid() bool {
	if !s.IsAuthenticated {
		return true
	}
	return s.Role != RoleNone && s.Username != ""
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	s.Profile.Longitude = cloneFloat(s.Profile.Longitude)
	s.Profile.Latitude = cloneFloat(s.Profile.Latitude)
	return s
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func floatEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Phase is the position of the manager in its state machine.
type Phase string

const (
	PhaseUnknown         Phase = "unknown"
	PhaseChecking        Phase = "checking"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseUnauthenticated Phase = "unauthenticated"
)

// View is the read-only snapshot handed to UI consumers and guards.
type View struct {
	IsAuthenticated bool     `json:"isAuthenticated"`
	Role            Role     `json:"role"`
	Username        string   `json:"username"`
	FullName        string   `json:"fullName"`
	Branch          string   `json:"branch"`
	Locale          string   `json:"locale"`
	Longitude       *float64 `json:"longitude,omitempty"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Loading         bool     `json:"loading"`
	Error           string   `json:"error,omitempty"`
	Phase           Phase    `json:"phase"`
}
