package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"tably.dev/internal/roles"
)

func userRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "username", "role", "status",
		"external_ref", "password_hash", "created_at", "updated_at",
	})
}

func TestFindUserByEmailDecodesLocalCredential(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("select id, email, username, role, status").
		WithArgs("cook@example.com").
		WillReturnRows(userRows().AddRow(
			"u1", "cook@example.com", "cook", "staff", "active", nil, "$2a$10$hash", now, now))
	mock.ExpectCommit()

	u, err := store.FindUserByEmail(context.Background(), " Cook@Example.com ")
	if err != nil {
		t.Fatalf("FindUserByEmail: %v", err)
	}
	if u.Role != roles.Staff {
		t.Fatalf("unexpected role: %s", u.Role)
	}
	hash, ok := u.PasswordHash()
	if !ok || hash != "$2a$10$hash" {
		t.Fatalf("expected local credential, got %#v", u.Credential)
	}
	if _, ok := u.ExternalRef(); ok {
		t.Fatalf("local user must not carry an external ref")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestScopedStoreAssumesCallerIdentity(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db).Scoped("ext_user_1")

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec("set local role tably_authenticated").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("select set_config").
		WithArgs("ext_user_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select id, email, username, role, status").
		WithArgs("u1").
		WillReturnRows(userRows().AddRow(
			"u1", "owner@example.com", "owner", "admin", "active", "ext_user_1", nil, now, now))
	mock.ExpectCommit()

	u, err := store.FindUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	ref, ok := u.ExternalRef()
	if !ok || ref != "ext_user_1" {
		t.Fatalf("expected external credential, got %#v", u.Credential)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestScopedStoreWithoutSubjectIsAnonymous(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db).Scoped("")

	mock.ExpectBegin()
	mock.ExpectExec("set local role tably_anon").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("select set_config").
		WithArgs("").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select id, email, username, role, status").
		WithArgs("u1").
		WillReturnRows(userRows())
	mock.ExpectRollback()

	if _, err := store.FindUser(context.Background(), "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateStaffRollsBackOnAssignmentFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	boom := errors.New("disk full")
	mock.ExpectBegin()
	mock.ExpectExec("insert into users").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into restaurant_staff").
		WillReturnError(boom)
	mock.ExpectRollback()

	user := &User{
		Email:      "new@example.com",
		Username:   "new",
		Role:       roles.Staff,
		Status:     StatusActive,
		Credential: LocalCredential{PasswordHash: "$2a$10$hash"},
	}
	assignment := &StaffAssignment{
		RestaurantID: "r1",
		Role:         LineStaff,
		Status:       AssignmentActive,
		HourlyRate:   1850,
	}
	if err := store.CreateStaff(context.Background(), user, assignment); !errors.Is(err, boom) {
		t.Fatalf("expected insert failure to propagate, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateStaffBuildsPartialUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	now := time.Now()
	rate := int64(2100)
	status := AssignmentInactive

	mock.ExpectBegin()
	mock.ExpectQuery("update restaurant_staff set").
		WithArgs("u1", "r1", status, rate).
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "restaurant_id", "role", "status", "hourly_rate_cents", "created_at", "updated_at",
		}).AddRow("u1", "r1", "line_staff", status, rate, now, now))
	mock.ExpectCommit()

	a, err := store.UpdateStaff(context.Background(), "u1", "r1", StaffUpdate{
		Status:     &status,
		HourlyRate: &rate,
	})
	if err != nil {
		t.Fatalf("UpdateStaff: %v", err)
	}
	if a.Status != AssignmentInactive || a.HourlyRate != 2100 {
		t.Fatalf("unexpected assignment: %+v", a)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIsOrganizationMember(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("select exists").
		WithArgs("u1", "org1").
		WillReturnRows(sqlmock.NewRows([]string{"member"}).AddRow(true))
	mock.ExpectCommit()

	ok, err := store.IsOrganizationMember(context.Background(), "u1", "org1")
	if err != nil {
		t.Fatalf("IsOrganizationMember: %v", err)
	}
	if !ok {
		t.Fatalf("expected membership")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
