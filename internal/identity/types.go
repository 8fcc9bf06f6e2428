// Package identity holds the domain model of the hybrid identity core: users
// reconciled from two credential sources, the organization → restaurant →
// staff-assignment tenancy hierarchy, and the persistence contract over the
// row-level-secured backing store.
package identity

import (
	"time"

	"tably.dev/internal/roles"
)

// Account statuses.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
	StatusBanned    = "banned"
)

// Staff assignment statuses. Assignments are deactivated on termination,
// never deleted.
const (
	AssignmentActive   = "active"
	AssignmentInactive = "inactive"
)

// StaffRole is the restaurant-scoped role of an assignment, distinct from the
// global role hierarchy.
type StaffRole string

const (
	LineStaff    StaffRole = "line_staff"
	ShiftManager StaffRole = "shift_manager"
)

// ValidStaffRole reports whether the value is a known restaurant-scoped role.
func ValidStaffRole(r StaffRole) bool {
	return r == LineStaff || r == ShiftManager
}

// Credential is the tagged union over the two identity sources. Exactly one
// variant backs any given user, which makes the mutual-exclusivity invariant
// a property of the type rather than of column checks.
type Credential interface {
	credential()
}

// ExternalCredential marks a user managed by the external identity provider.
// The referenced subject is the provider's stable user id.
type ExternalCredential struct {
	Ref string
}

// LocalCredential marks a locally managed staff user authenticated by a
// salted password hash.
type LocalCredential struct {
	PasswordHash string
}

func (ExternalCredential) credential() {}
func (LocalCredential) credential()    {}

// User is the internal identity record.
type User struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Username   string     `json:"username"`
	Role       roles.Role `json:"role"`
	Status     string     `json:"status"`
	Credential Credential `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ExternalRef returns the external provider subject when the user is
// externally managed.
func (u *User) ExternalRef() (string, bool) {
	if c, ok := u.Credential.(ExternalCredential); ok {
		return c.Ref, true
	}
	return "", false
}

// PasswordHash returns the stored hash when the user is locally managed.
func (u *User) PasswordHash() (string, bool) {
	if c, ok := u.Credential.(LocalCredential); ok {
		return c.PasswordHash, true
	}
	return "", false
}

// Active reports whether the account may authenticate.
func (u *User) Active() bool {
	return u.Status == StatusActive
}

// Organization is the tenancy root. The owner implicitly has full access to
// every restaurant the organization contains.
type Organization struct {
	ID          string    `json:"id"`
	OwnerUserID string    `json:"owner_user_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Restaurant belongs to exactly one organization.
type Restaurant struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

// StaffAssignment grants a user operational access to one restaurant without
// organization ownership.
type StaffAssignment struct {
	UserID       string    `json:"user_id"`
	RestaurantID string    `json:"restaurant_id"`
	Role         StaffRole `json:"role"`
	Status       string    `json:"status"`
	HourlyRate   int64     `json:"hourly_rate_cents"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Active reports whether the assignment currently grants access.
func (a *StaffAssignment) Active() bool {
	return a.Status == AssignmentActive
}

// StaffMember pairs a user with their assignment for roster listings.
type StaffMember struct {
	User       User            `json:"user"`
	Assignment StaffAssignment `json:"assignment"`
}

// StaffUpdate is a partial update of a staff member's assignment.
type StaffUpdate struct {
	Role       *StaffRole
	Status     *string
	HourlyRate *int64
}
