// Package identitytest provides an in-memory identity.Store for tests.
package identitytest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"tably.dev/internal/identity"
	"tably.dev/internal/ids"
	"tably.dev/internal/roles"
)

// Store is a mutex-guarded in-memory implementation of identity.Store.
// Error fields inject failures for specific operations.
type Store struct {
	mu sync.Mutex

	users       map[string]*identity.User
	orgs        map[string]*identity.Organization
	restaurants map[string]*identity.Restaurant
	assignments map[string]*identity.StaffAssignment // key userID|restaurantID

	// CreateStaffErr simulates a transaction failure: when set, CreateStaff
	// fails without persisting either record.
	CreateStaffErr error
	// UpdateRoleErr simulates a failure writing the synced role.
	UpdateRoleErr error
}

var _ identity.Store = (*Store)(nil)

// New returns an empty fake store.
func New() *Store {
	return &Store{
		users:       make(map[string]*identity.User),
		orgs:        make(map[string]*identity.Organization),
		restaurants: make(map[string]*identity.Restaurant),
		assignments: make(map[string]*identity.StaffAssignment),
	}
}

func assignmentKey(userID, restaurantID string) string {
	return userID + "|" + restaurantID
}

// Seed helpers ---------------------------------------------------------------

// AddUser stores the user, assigning an id when absent, and returns it.
func (s *Store) AddUser(u identity.User) *identity.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	s.users[u.ID] = &u
	return &u
}

// AddOrganization stores the organization and returns it.
func (s *Store) AddOrganization(o identity.Organization) *identity.Organization {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = ids.New()
	}
	s.orgs[o.ID] = &o
	return &o
}

// AddRestaurant stores the restaurant and returns it.
func (s *Store) AddRestaurant(r identity.Restaurant) *identity.Restaurant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = ids.New()
	}
	s.restaurants[r.ID] = &r
	return &r
}

// AddAssignment stores the assignment and returns it.
func (s *Store) AddAssignment(a identity.StaffAssignment) *identity.StaffAssignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[assignmentKey(a.UserID, a.RestaurantID)] = &a
	return &a
}

// identity.Store -------------------------------------------------------------

func (s *Store) FindUser(ctx context.Context, id string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, identity.ErrNotFound
}

func (s *Store) FindUserByExternalRef(ctx context.Context, ref string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if r, ok := u.ExternalRef(); ok && r == ref {
			copied := *u
			return &copied, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.ToLower(u.Email) == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (s *Store) CreateUser(ctx context.Context, u *identity.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return identity.ErrConflict
		}
	}
	copied := *u
	s.users[u.ID] = &copied
	return nil
}

func (s *Store) UpdateUserRole(ctx context.Context, userID string, role roles.Role) error {
	if s.UpdateRoleErr != nil {
		return s.UpdateRoleErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return identity.ErrNotFound
	}
	u.Role = role
	return nil
}

func (s *Store) UpdateUserStatus(ctx context.Context, userID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return identity.ErrNotFound
	}
	u.Status = status
	return nil
}

func (s *Store) Organization(ctx context.Context, id string) (*identity.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orgs[id]; ok {
		copied := *o
		return &copied, nil
	}
	return nil, identity.ErrNotFound
}

func (s *Store) OrganizationsOwnedBy(ctx context.Context, userID string) ([]*identity.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*identity.Organization
	for _, o := range s.orgs {
		if o.OwnerUserID == userID {
			copied := *o
			res = append(res, &copied)
		}
	}
	sortOrgs(res)
	return res, nil
}

func (s *Store) ListOrganizations(ctx context.Context) ([]*identity.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*identity.Organization
	for _, o := range s.orgs {
		copied := *o
		res = append(res, &copied)
	}
	sortOrgs(res)
	return res, nil
}

func (s *Store) IsOrganizationMember(ctx context.Context, userID, orgID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orgs[orgID]; ok && o.OwnerUserID == userID {
		return true, nil
	}
	for _, a := range s.assignments {
		if a.UserID != userID || !a.Active() {
			continue
		}
		if r, ok := s.restaurants[a.RestaurantID]; ok && r.OrganizationID == orgID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) Restaurant(ctx context.Context, id string) (*identity.Restaurant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.restaurants[id]; ok {
		copied := *r
		return &copied, nil
	}
	return nil, identity.ErrNotFound
}

func (s *Store) CreateStaff(ctx context.Context, u *identity.User, a *identity.StaffAssignment) error {
	if s.CreateStaffErr != nil {
		return s.CreateStaffErr
	}
	if err := s.CreateUser(ctx, u); err != nil {
		return err
	}
	a.UserID = u.ID
	s.AddAssignment(*a)
	return nil
}

func (s *Store) ActiveAssignment(ctx context.Context, userID, restaurantID string) (*identity.StaffAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.assignments[assignmentKey(userID, restaurantID)]; ok && a.Active() {
		copied := *a
		return &copied, nil
	}
	return nil, identity.ErrNotFound
}

func (s *Store) AssignmentsForUser(ctx context.Context, userID string) ([]*identity.StaffAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*identity.StaffAssignment
	for _, a := range s.assignments {
		if a.UserID == userID {
			copied := *a
			res = append(res, &copied)
		}
	}
	return res, nil
}

func (s *Store) StaffForRestaurant(ctx context.Context, restaurantID string) ([]*identity.StaffMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*identity.StaffMember
	for _, a := range s.assignments {
		if a.RestaurantID != restaurantID {
			continue
		}
		u, ok := s.users[a.UserID]
		if !ok {
			continue
		}
		res = append(res, &identity.StaffMember{User: *u, Assignment: *a})
	}
	return res, nil
}

func (s *Store) UpdateStaff(ctx context.Context, userID, restaurantID string, upd identity.StaffUpdate) (*identity.StaffAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[assignmentKey(userID, restaurantID)]
	if !ok {
		return nil, identity.ErrNotFound
	}
	if upd.Role != nil {
		a.Role = *upd.Role
	}
	if upd.Status != nil {
		a.Status = *upd.Status
	}
	if upd.HourlyRate != nil {
		a.HourlyRate = *upd.HourlyRate
	}
	copied := *a
	return &copied, nil
}

func sortOrgs(orgs []*identity.Organization) {
	sort.Slice(orgs, func(i, j int) bool { return orgs[i].ID < orgs[j].ID })
}
