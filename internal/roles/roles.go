// Package roles defines the internal role hierarchy and the mapping table
// that translates external identity provider role strings into it.
package roles

import "strings"

// Role is one tier of the ordered internal hierarchy.
type Role string

const (
	Guest      Role = "guest"
	Customer   Role = "customer"
	Staff      Role = "staff"
	Manager    Role = "manager"
	Admin      Role = "admin"
	SuperAdmin Role = "super_admin"
)

// hierarchy orders roles from least to most privileged. Position in this
// slice is the role's rank.
var hierarchy = []Role{Guest, Customer, Staff, Manager, Admin, SuperAdmin}

// Lowest returns the least privileged role. Users stripped of organization
// membership are reset to it.
func Lowest() Role { return hierarchy[0] }

// Parse normalizes a stored role string. Unknown values parse to the lowest
// tier rather than failing, so a corrupted record can never grant privilege.
func Parse(raw string) Role {
	candidate := Role(strings.TrimSpace(strings.ToLower(raw)))
	for _, r := range hierarchy {
		if r == candidate {
			return r
		}
	}
	return Lowest()
}

// Rank returns the role's position in the hierarchy. Unknown roles rank as
// the lowest tier.
func Rank(r Role) int {
	for i, known := range hierarchy {
		if known == r {
			return i
		}
	}
	return 0
}

// AtLeast reports whether actual meets or exceeds required in the hierarchy.
func AtLeast(actual, required Role) bool {
	return Rank(actual) >= Rank(required)
}

// System reports whether the role bypasses tenancy checks entirely.
func System(r Role) bool {
	return r == Admin || r == SuperAdmin
}
