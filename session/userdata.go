package session

import "strconv"

// UserData is the subset of session data views need for filtering.
type UserData struct {
	Role      Role     `json:"role"`
	Branch    string   `json:"branch"`
	FullName  string   `json:"fullName"`
	Longitude *float64 `json:"longitude,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
}

// ReadUserData reads user data from the cookie mirror first and falls back
// to the persisted state when the role or branch cookie is missing.
func ReadUserData(mirror *CookieMirror, store *StateStore) UserData {
	c := mirror.Values()
	ud := UserData{
		Role:      Role(c[CookieRole]),
		Branch:    c[CookieBranch],
		FullName:  c[CookieFullName],
		Longitude: parseFloat(c[CookieLongitude]),
		Latitude:  parseFloat(c[CookieLatitude]),
	}
	if ud.Role != RoleNone && ud.Branch != "" {
		return ud
	}
	st, ok := store.GetState()
	if !ok {
		return ud
	}
	if ud.Role == RoleNone {
		ud.Role = st.Role
	}
	if ud.Branch == "" {
		ud.Branch = st.Profile.Branch
	}
	if ud.FullName == "" {
		ud.FullName = st.Profile.FullName
	}
	if ud.Longitude == nil {
		ud.Longitude = cloneFloat(st.Profile.Longitude)
	}
	if ud.Latitude == nil {
		ud.Latitude = cloneFloat(st.Profile.Latitude)
	}
	return ud
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
