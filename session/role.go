package session

import "strings"

// Role is the primary authorization role of a user.
type Role string

const (
	RoleNone           Role = ""
	RoleAdmin          Role = "ADMIN"
	RoleBoard          Role = "BOARD"
	RoleBranch         Role = "BRANCH"
	RoleRepresentative Role = "REPRESENTATIVE"
	RoleStaff          Role = "STAFF"
	RoleBasia          Role = "BASIA"
)

// Landing pages per role.
const (
	PathLogin     = "/login"
	PathDashboard = "/dashboard"
	PathCosts     = "/costs"
)

var knownRoles = map[Role]struct{}{
	RoleAdmin: {}, RoleBoard: {}, RoleBranch: {}, RoleRepresentative: {}, RoleStaff: {}, RoleBasia: {},
}

// ParseRole returns the Role named by s and whether it is a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := knownRoles[r]
	return r, ok
}

// RoleFromGroups picks the primary role from a group claim list: the first
// group, or REPRESENTATIVE when there is none or it is not a known role.
func RoleFromGroups(groups []string) Role {
	if len(groups) == 0 {
		return RoleRepresentative
	}
	if r, ok := ParseRole(groups[0]); ok {
		return r
	}
	return RoleRepresentative
}

// CanViewDashboard reports whether r may open the dashboard.
func (r Role) CanViewDashboard() bool {
	return r == RoleAdmin || r == RoleBoard
}

// Landing returns the default page for r after sign-in.
func (r Role) Landing() string {
	if r.CanViewDashboard() {
		return PathDashboard
	}
	return PathCosts
}
