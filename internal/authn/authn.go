// Package authn implements the two authentication flows of the identity
// core: externally verified users whose credential check already happened at
// the provider, and locally managed staff authenticated by password against
// the internal store. Both converge on the same internal user record.
package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tably.dev/internal/identity"
	"tably.dev/internal/obs"
	"tably.dev/internal/roles"
	"tably.dev/internal/rolesync"
	"tably.dev/internal/token"
)

var (
	// ErrInvalidCredentials covers every local login failure mode. Callers
	// must not learn whether the account exists, is externally managed, or
	// has a wrong password.
	ErrInvalidCredentials = errors.New("authn: invalid credentials")

	// ErrUserNotFound indicates the verified external identity has no
	// internal user yet.
	ErrUserNotFound = errors.New("authn: user not found")

	// ErrAccessDenied indicates the user holds no grant over the requested
	// restaurant.
	ErrAccessDenied = errors.New("authn: access denied")

	// ErrInconsistentProvisioning indicates staff creation could not commit
	// both records; nothing was persisted.
	ErrInconsistentProvisioning = errors.New("authn: staff provisioning incomplete, rolled back")
)

// Session is the result of a successful external-user authentication:
// the internal user plus the tenancy context they can act in.
type Session struct {
	User          *identity.User              `json:"user"`
	Organizations []*identity.Organization    `json:"organizations"`
	Assignments   []*identity.StaffAssignment `json:"assignments,omitempty"`
}

// StaffSession is the result of a successful local staff login.
type StaffSession struct {
	User        *identity.User              `json:"user"`
	Assignments []*identity.StaffAssignment `json:"assignments"`
	Token       string                      `json:"token"`
	ExpiresAt   time.Time                   `json:"expires_at"`
}

// StaffInput describes a staff user to provision.
type StaffInput struct {
	Email        string             `json:"email"`
	Username     string             `json:"username"`
	Password     string             `json:"password"`
	RestaurantID string             `json:"restaurant_id"`
	Role         identity.StaffRole `json:"role"`
	HourlyRate   int64              `json:"hourly_rate_cents"`
}

// Service runs authentication flows over a privileged store. Request-scoped
// data access happens elsewhere; authentication itself must see the whole
// user table to resolve credentials.
type Service struct {
	store  identity.Store
	tokens *token.Service
	sync   *rolesync.Engine
}

// NewService wires the authentication flows. sync may be nil; external
// logins then skip the best-effort role refresh.
func NewService(store identity.Store, tokens *token.Service, sync *rolesync.Engine) *Service {
	return &Service{store: store, tokens: tokens, sync: sync}
}

// AuthenticateExternalUser resolves the already-verified external identity to
// the internal user and their tenancy context. A role refresh is kicked off in
// the background and never gates the login; organizationID, when non-empty,
// scopes that refresh to one organization instead of re-enumerating every
// membership.
func (s *Service) AuthenticateExternalUser(ctx context.Context, externalUserID, organizationID string) (*Session, error) {
	user, err := s.store.FindUserByExternalRef(ctx, externalUserID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			obs.ObserveLogin("external", "unknown_user")
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("resolve external user: %w", err)
	}
	if !user.Active() {
		obs.ObserveLogin("external", "inactive")
		return nil, ErrAccessDenied
	}

	if s.sync != nil {
		s.sync.SyncInBackground(externalUserID, organizationID)
	}

	orgs, err := s.store.OrganizationsOwnedBy(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list owned organizations: %w", err)
	}
	assignments, err := s.store.AssignmentsForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	obs.ObserveLogin("external", "ok")
	return &Session{User: user, Organizations: orgs, Assignments: assignments}, nil
}

// AuthenticateLocalUser verifies a staff email and password and issues a
// staff session token. All failure modes collapse into ErrInvalidCredentials.
func (s *Service) AuthenticateLocalUser(ctx context.Context, email, password string) (*StaffSession, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		obs.ObserveLogin("local", "invalid")
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			obs.ObserveLogin("local", "invalid")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("resolve staff user: %w", err)
	}

	hash, ok := user.PasswordHash()
	if !ok {
		// Externally managed account; it has no password to check.
		obs.ObserveLogin("local", "invalid")
		return nil, ErrInvalidCredentials
	}
	if identity.VerifyPassword(hash, password) != nil {
		obs.ObserveLogin("local", "invalid")
		return nil, ErrInvalidCredentials
	}
	if !user.Active() {
		obs.ObserveLogin("local", "inactive")
		return nil, ErrInvalidCredentials
	}

	raw, expires, err := s.tokens.IssueStaffSessionToken(user.ID, string(user.Role))
	if err != nil {
		return nil, fmt.Errorf("issue staff session: %w", err)
	}
	assignments, err := s.store.AssignmentsForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	obs.ObserveLogin("local", "ok")
	return &StaffSession{User: user, Assignments: assignments, Token: raw, ExpiresAt: expires}, nil
}

// VerifyLocalSessionToken checks a staff session token and confirms the
// account is still active. Deactivating a staff member invalidates their
// outstanding sessions at the next request.
func (s *Service) VerifyLocalSessionToken(ctx context.Context, raw string) (*identity.User, error) {
	claims, err := s.tokens.Verify(raw, token.KindStaffSession)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	user, err := s.store.FindUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("resolve session user: %w", err)
	}
	if !user.Active() {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// HasRestaurantAccess reports whether the user may act on the restaurant:
// through organization ownership, through an active staff assignment, or
// through a system role that bypasses tenancy.
func (s *Service) HasRestaurantAccess(ctx context.Context, user *identity.User, restaurantID string) (bool, error) {
	if roles.System(user.Role) {
		return true, nil
	}

	restaurant, err := s.store.Restaurant(ctx, restaurantID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return false, ErrAccessDenied
		}
		return false, fmt.Errorf("resolve restaurant: %w", err)
	}

	org, err := s.store.Organization(ctx, restaurant.OrganizationID)
	if err == nil && org.OwnerUserID == user.ID {
		return true, nil
	}
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return false, fmt.Errorf("resolve organization: %w", err)
	}

	if _, err := s.store.ActiveAssignment(ctx, user.ID, restaurantID); err == nil {
		return true, nil
	} else if !errors.Is(err, identity.ErrNotFound) {
		return false, fmt.Errorf("resolve assignment: %w", err)
	}

	return false, nil
}

// CreateStaffUser validates and provisions a local staff user and their
// restaurant assignment in one transaction.
func (s *Service) CreateStaffUser(ctx context.Context, in StaffInput) (*identity.StaffMember, error) {
	if err := validateStaffInput(in); err != nil {
		return nil, err
	}
	if _, err := s.store.Restaurant(ctx, in.RestaurantID); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown restaurant", identity.ErrInvalidInput)
		}
		return nil, fmt.Errorf("resolve restaurant: %w", err)
	}

	hash, err := identity.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user := &identity.User{
		Email:      strings.TrimSpace(in.Email),
		Username:   strings.TrimSpace(in.Username),
		Role:       roles.Staff,
		Status:     identity.StatusActive,
		Credential: identity.LocalCredential{PasswordHash: hash},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	assignment := &identity.StaffAssignment{
		RestaurantID: in.RestaurantID,
		Role:         in.Role,
		Status:       identity.AssignmentActive,
		HourlyRate:   in.HourlyRate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateStaff(ctx, user, assignment); err != nil {
		if errors.Is(err, identity.ErrConflict) {
			return nil, identity.ErrConflict
		}
		return nil, fmt.Errorf("%w: %v", ErrInconsistentProvisioning, err)
	}
	return &identity.StaffMember{User: *user, Assignment: *assignment}, nil
}

func validateStaffInput(in StaffInput) error {
	switch {
	case strings.TrimSpace(in.Email) == "" || !strings.Contains(in.Email, "@"):
		return fmt.Errorf("%w: email required", identity.ErrInvalidInput)
	case len(in.Password) < 8:
		return fmt.Errorf("%w: password must be at least 8 characters", identity.ErrInvalidInput)
	case in.RestaurantID == "":
		return fmt.Errorf("%w: restaurant_id required", identity.ErrInvalidInput)
	case !identity.ValidStaffRole(in.Role):
		return fmt.Errorf("%w: unknown staff role %q", identity.ErrInvalidInput, in.Role)
	case in.HourlyRate < 0:
		return fmt.Errorf("%w: hourly rate must not be negative", identity.ErrInvalidInput)
	}
	return nil
}
