package identity

import (
	"context"

	"tably.dev/internal/roles"
)

// Store describes persistence operations required by the identity core.
//
// Two categories of store exist at runtime: the privileged store held by the
// service for bookkeeping not subject to row-level policies (webhook
// provisioning, reconciliation), and request-scoped stores that forward the
// caller's credential so the backing store's row-level policies evaluate
// against the real caller. Both satisfy this interface.
type Store interface {
	FindUser(ctx context.Context, id string) (*User, error)
	FindUserByExternalRef(ctx context.Context, ref string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	UpdateUserRole(ctx context.Context, userID string, role roles.Role) error
	UpdateUserStatus(ctx context.Context, userID, status string) error

	Organization(ctx context.Context, id string) (*Organization, error)
	OrganizationsOwnedBy(ctx context.Context, userID string) ([]*Organization, error)
	ListOrganizations(ctx context.Context) ([]*Organization, error)
	// IsOrganizationMember reports whether the user owns the organization or
	// holds an active assignment at one of its restaurants.
	IsOrganizationMember(ctx context.Context, userID, orgID string) (bool, error)

	Restaurant(ctx context.Context, id string) (*Restaurant, error)

	// CreateStaff persists a local staff user together with their assignment
	// in one transaction; neither record survives without the other.
	CreateStaff(ctx context.Context, u *User, a *StaffAssignment) error
	ActiveAssignment(ctx context.Context, userID, restaurantID string) (*StaffAssignment, error)
	AssignmentsForUser(ctx context.Context, userID string) ([]*StaffAssignment, error)
	StaffForRestaurant(ctx context.Context, restaurantID string) ([]*StaffMember, error)
	UpdateStaff(ctx context.Context, userID, restaurantID string, upd StaffUpdate) (*StaffAssignment, error)
}
