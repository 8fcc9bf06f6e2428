// Package directory reads organization membership data from the external
// identity provider. The provider is the authoritative source for the roles
// of externally managed users; memberships are always fetched live and never
// cached beyond the request that needed them, so external role changes
// propagate without a local write first. The core only ever reads — it never
// mutates the provider.
package directory

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable wraps network failures and timeouts talking to the
	// provider. Callers on secondary paths swallow it; primary sync
	// endpoints surface it as a 5xx-class failure.
	ErrUnavailable = errors.New("directory: provider unavailable")

	// ErrNotFound indicates the provider does not know the user or
	// organization.
	ErrNotFound = errors.New("directory: not found")
)

// Membership is a user's role inside one external organization. Volatile;
// valid only for the request that fetched it.
type Membership struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
}

// Client is the read contract against the external identity provider.
type Client interface {
	// UserMemberships lists every organization membership of the external
	// user.
	UserMemberships(ctx context.Context, externalUserID string) ([]Membership, error)
	// OrganizationMembers lists every membership of the organization.
	OrganizationMembers(ctx context.Context, organizationID string) ([]Membership, error)
	// OrganizationRole returns the user's current role string inside the
	// organization.
	OrganizationRole(ctx context.Context, externalUserID, organizationID string) (string, error)
}
