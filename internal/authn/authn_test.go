package authn

import (
	"context"
	"errors"
	"testing"
	"time"

	"tably.dev/internal/directory"
	"tably.dev/internal/identity"
	"tably.dev/internal/identity/identitytest"
	"tably.dev/internal/roles"
	"tably.dev/internal/rolesync"
	"tably.dev/internal/token"
)

func newTokens(t *testing.T) *token.Service {
	t.Helper()
	svc, err := token.NewService("access-secret-for-tests", "refresh-secret-for-tests")
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	return svc
}

func newService(t *testing.T, store identity.Store) *Service {
	t.Helper()
	return NewService(store, newTokens(t), nil)
}

func seedStaff(t *testing.T, store *identitytest.Store, email, password string) *identity.User {
	t.Helper()
	hash, err := identity.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return store.AddUser(identity.User{
		Email:      email,
		Username:   "staff",
		Role:       roles.Staff,
		Status:     identity.StatusActive,
		Credential: identity.LocalCredential{PasswordHash: hash},
	})
}

func TestAuthenticateExternalUserReturnsTenancyContext(t *testing.T) {
	store := identitytest.New()
	user := store.AddUser(identity.User{
		Email:      "owner@example.com",
		Role:       roles.Admin,
		Status:     identity.StatusActive,
		Credential: identity.ExternalCredential{Ref: "ext-1"},
	})
	org := store.AddOrganization(identity.Organization{OwnerUserID: user.ID, Name: "Blue Plate Group"})

	sess, err := newService(t, store).AuthenticateExternalUser(context.Background(), "ext-1", "")
	if err != nil {
		t.Fatalf("AuthenticateExternalUser: %v", err)
	}
	if sess.User.ID != user.ID {
		t.Fatalf("user = %s, want %s", sess.User.ID, user.ID)
	}
	if len(sess.Organizations) != 1 || sess.Organizations[0].ID != org.ID {
		t.Fatalf("organizations = %+v, want [%s]", sess.Organizations, org.ID)
	}
}

func TestAuthenticateExternalUserUnknown(t *testing.T) {
	_, err := newService(t, identitytest.New()).AuthenticateExternalUser(context.Background(), "ext-missing", "")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}

func TestAuthenticateExternalUserInactive(t *testing.T) {
	store := identitytest.New()
	store.AddUser(identity.User{
		Email:      "gone@example.com",
		Status:     identity.StatusSuspended,
		Credential: identity.ExternalCredential{Ref: "ext-1"},
	})
	_, err := newService(t, store).AuthenticateExternalUser(context.Background(), "ext-1", "")
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
}

// scopedDirectory reports which organization a role lookup was scoped to.
type scopedDirectory struct {
	orgRoleCalls chan string
}

func (d *scopedDirectory) UserMemberships(ctx context.Context, externalUserID string) ([]directory.Membership, error) {
	return nil, nil
}

func (d *scopedDirectory) OrganizationMembers(ctx context.Context, organizationID string) ([]directory.Membership, error) {
	return nil, nil
}

func (d *scopedDirectory) OrganizationRole(ctx context.Context, externalUserID, organizationID string) (string, error) {
	d.orgRoleCalls <- organizationID
	return "org:admin", nil
}

func TestAuthenticateExternalUserScopesBackgroundSync(t *testing.T) {
	store := identitytest.New()
	store.AddUser(identity.User{
		Email:      "owner@example.com",
		Role:       roles.Manager,
		Status:     identity.StatusActive,
		Credential: identity.ExternalCredential{Ref: "ext-1"},
	})
	dir := &scopedDirectory{orgRoleCalls: make(chan string, 1)}
	sync := rolesync.New(store, dir, roles.DefaultMapping())
	svc := NewService(store, newTokens(t), sync)

	if _, err := svc.AuthenticateExternalUser(context.Background(), "ext-1", "org-7"); err != nil {
		t.Fatalf("AuthenticateExternalUser: %v", err)
	}
	select {
	case org := <-dir.orgRoleCalls:
		if org != "org-7" {
			t.Fatalf("background sync scoped to %q, want org-7", org)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("background sync never queried the directory")
	}
}

func TestAuthenticateLocalUserIssuesStaffSession(t *testing.T) {
	store := identitytest.New()
	user := seedStaff(t, store, "staff@example.com", "hunter2hunter2")
	svc := newService(t, store)

	sess, err := svc.AuthenticateLocalUser(context.Background(), "staff@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("AuthenticateLocalUser: %v", err)
	}
	if sess.User.ID != user.ID || sess.Token == "" {
		t.Fatalf("session = %+v", sess)
	}

	verified, err := svc.VerifyLocalSessionToken(context.Background(), sess.Token)
	if err != nil {
		t.Fatalf("VerifyLocalSessionToken: %v", err)
	}
	if verified.ID != user.ID {
		t.Fatalf("verified user = %s, want %s", verified.ID, user.ID)
	}
}

func TestAuthenticateLocalUserFailureModesAreUniform(t *testing.T) {
	store := identitytest.New()
	seedStaff(t, store, "staff@example.com", "hunter2hunter2")
	store.AddUser(identity.User{
		Email:      "owner@example.com",
		Status:     identity.StatusActive,
		Credential: identity.ExternalCredential{Ref: "ext-1"},
	})
	suspended := seedStaff(t, store, "suspended@example.com", "hunter2hunter2")
	store.UpdateUserStatus(context.Background(), suspended.ID, identity.StatusSuspended)

	svc := newService(t, store)
	cases := map[string]struct{ email, password string }{
		"unknown account":   {"nobody@example.com", "hunter2hunter2"},
		"wrong password":    {"staff@example.com", "wrong-password"},
		"external account":  {"owner@example.com", "hunter2hunter2"},
		"suspended account": {"suspended@example.com", "hunter2hunter2"},
		"empty password":    {"staff@example.com", ""},
	}
	for name, tc := range cases {
		if _, err := svc.AuthenticateLocalUser(context.Background(), tc.email, tc.password); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: err = %v, want ErrInvalidCredentials", name, err)
		}
	}
}

func TestVerifyLocalSessionTokenRejectsDeactivatedUser(t *testing.T) {
	store := identitytest.New()
	user := seedStaff(t, store, "staff@example.com", "hunter2hunter2")
	svc := newService(t, store)

	sess, err := svc.AuthenticateLocalUser(context.Background(), "staff@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	store.UpdateUserStatus(context.Background(), user.ID, identity.StatusInactive)

	if _, err := svc.VerifyLocalSessionToken(context.Background(), sess.Token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifyLocalSessionTokenRejectsAccessKind(t *testing.T) {
	store := identitytest.New()
	user := seedStaff(t, store, "staff@example.com", "hunter2hunter2")
	tokens := newTokens(t)
	svc := NewService(store, tokens, nil)

	raw, _, err := tokens.IssueAccessToken(user.ID, string(roles.Staff))
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if _, err := svc.VerifyLocalSessionToken(context.Background(), raw); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestHasRestaurantAccess(t *testing.T) {
	store := identitytest.New()
	owner := store.AddUser(identity.User{
		Email:      "owner@example.com",
		Role:       roles.Manager,
		Status:     identity.StatusActive,
		Credential: identity.ExternalCredential{Ref: "ext-owner"},
	})
	org := store.AddOrganization(identity.Organization{OwnerUserID: owner.ID, Name: "Blue Plate Group"})
	restaurant := store.AddRestaurant(identity.Restaurant{OrganizationID: org.ID, Name: "Blue Plate Diner"})

	staff := seedStaff(t, store, "staff@example.com", "hunter2hunter2")
	store.AddAssignment(identity.StaffAssignment{
		UserID:       staff.ID,
		RestaurantID: restaurant.ID,
		Role:         identity.LineStaff,
		Status:       identity.AssignmentActive,
	})
	terminated := seedStaff(t, store, "former@example.com", "hunter2hunter2")
	store.AddAssignment(identity.StaffAssignment{
		UserID:       terminated.ID,
		RestaurantID: restaurant.ID,
		Role:         identity.LineStaff,
		Status:       identity.AssignmentInactive,
	})
	admin := store.AddUser(identity.User{
		Email:      "root@example.com",
		Role:       roles.SuperAdmin,
		Status:     identity.StatusActive,
		Credential: identity.ExternalCredential{Ref: "ext-root"},
	})
	outsider := seedStaff(t, store, "outsider@example.com", "hunter2hunter2")

	svc := newService(t, store)
	cases := []struct {
		name string
		user *identity.User
		want bool
	}{
		{"organization owner", owner, true},
		{"active assignment", staff, true},
		{"inactive assignment", terminated, false},
		{"system role bypass", admin, true},
		{"no grant", outsider, false},
	}
	for _, tc := range cases {
		got, err := svc.HasRestaurantAccess(context.Background(), tc.user, restaurant.ID)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: access = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestHasRestaurantAccessUnknownRestaurant(t *testing.T) {
	store := identitytest.New()
	staff := seedStaff(t, store, "staff@example.com", "hunter2hunter2")
	if _, err := newService(t, store).HasRestaurantAccess(context.Background(), staff, "missing"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
}

func TestCreateStaffUser(t *testing.T) {
	store := identitytest.New()
	restaurant := store.AddRestaurant(identity.Restaurant{OrganizationID: "org-1", Name: "Blue Plate Diner"})
	svc := newService(t, store)

	member, err := svc.CreateStaffUser(context.Background(), StaffInput{
		Email:        "new@example.com",
		Username:     "new-staff",
		Password:     "hunter2hunter2",
		RestaurantID: restaurant.ID,
		Role:         identity.LineStaff,
		HourlyRate:   1850,
	})
	if err != nil {
		t.Fatalf("CreateStaffUser: %v", err)
	}
	if member.User.Role != roles.Staff || member.Assignment.RestaurantID != restaurant.ID {
		t.Fatalf("member = %+v", member)
	}
	if _, ok := member.User.PasswordHash(); !ok {
		t.Fatal("staff user must carry a local credential")
	}
	// The created staff can immediately log in.
	if _, err := svc.AuthenticateLocalUser(context.Background(), "new@example.com", "hunter2hunter2"); err != nil {
		t.Fatalf("login after provisioning: %v", err)
	}
}

func TestCreateStaffUserValidation(t *testing.T) {
	store := identitytest.New()
	restaurant := store.AddRestaurant(identity.Restaurant{OrganizationID: "org-1", Name: "Blue Plate Diner"})
	svc := newService(t, store)

	cases := map[string]StaffInput{
		"missing email":      {Password: "hunter2hunter2", RestaurantID: restaurant.ID, Role: identity.LineStaff},
		"short password":     {Email: "a@example.com", Password: "short", RestaurantID: restaurant.ID, Role: identity.LineStaff},
		"missing restaurant": {Email: "a@example.com", Password: "hunter2hunter2", Role: identity.LineStaff},
		"unknown staff role": {Email: "a@example.com", Password: "hunter2hunter2", RestaurantID: restaurant.ID, Role: "owner"},
		"negative rate":      {Email: "a@example.com", Password: "hunter2hunter2", RestaurantID: restaurant.ID, Role: identity.LineStaff, HourlyRate: -1},
	}
	for name, in := range cases {
		if _, err := svc.CreateStaffUser(context.Background(), in); !errors.Is(err, identity.ErrInvalidInput) {
			t.Fatalf("%s: err = %v, want ErrInvalidInput", name, err)
		}
	}

	in := StaffInput{Email: "a@example.com", Password: "hunter2hunter2", RestaurantID: "missing", Role: identity.LineStaff}
	if _, err := svc.CreateStaffUser(context.Background(), in); !errors.Is(err, identity.ErrInvalidInput) {
		t.Fatalf("unknown restaurant: err = %v, want ErrInvalidInput", err)
	}
}

func TestCreateStaffUserDuplicateEmail(t *testing.T) {
	store := identitytest.New()
	restaurant := store.AddRestaurant(identity.Restaurant{OrganizationID: "org-1", Name: "Blue Plate Diner"})
	seedStaff(t, store, "taken@example.com", "hunter2hunter2")

	_, err := newService(t, store).CreateStaffUser(context.Background(), StaffInput{
		Email:        "taken@example.com",
		Password:     "hunter2hunter2",
		RestaurantID: restaurant.ID,
		Role:         identity.LineStaff,
	})
	if !errors.Is(err, identity.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestCreateStaffUserRollbackSurfaces(t *testing.T) {
	store := identitytest.New()
	restaurant := store.AddRestaurant(identity.Restaurant{OrganizationID: "org-1", Name: "Blue Plate Diner"})
	store.CreateStaffErr = errors.New("constraint violated")

	_, err := newService(t, store).CreateStaffUser(context.Background(), StaffInput{
		Email:        "new@example.com",
		Password:     "hunter2hunter2",
		RestaurantID: restaurant.ID,
		Role:         identity.LineStaff,
	})
	if !errors.Is(err, ErrInconsistentProvisioning) {
		t.Fatalf("err = %v, want ErrInconsistentProvisioning", err)
	}
	if _, err := store.FindUserByEmail(context.Background(), "new@example.com"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatal("no user record may survive a failed provisioning")
	}
}
