package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tably.dev/internal/ids"
	"tably.dev/internal/roles"
)

var _ Store = (*PGStore)(nil)

// Database roles assumed inside request-scoped transactions. Row-level
// policies on the identity tables are written against these two roles; the
// service role the pool connects as is used only for privileged bookkeeping.
const (
	dbRoleAuthenticated = "tably_authenticated"
	dbRoleAnonymous     = "tably_anon"
)

// PGStore implements Store on PostgreSQL. The zero-value scoping is
// privileged; Scoped derives per-request stores that run every statement
// under the caller's identity so row-level policies see the real caller.
type PGStore struct {
	db      *sql.DB
	scoped  bool
	dbRole  string
	subject string
}

// Open connects to PostgreSQL via the pgx stdlib driver.
func Open(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

// NewPGStore wraps an existing connection pool (used by tests).
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) DB() *sql.DB { return s.db }

// Scoped returns a store whose statements execute as the given caller.
// An empty subject yields the anonymous database role — a missing caller
// credential is never substituted with the privileged one.
func (s *PGStore) Scoped(subject string) *PGStore {
	subject = strings.TrimSpace(subject)
	dbRole := dbRoleAnonymous
	if subject != "" {
		dbRole = dbRoleAuthenticated
	}
	return &PGStore{db: s.db, scoped: true, dbRole: dbRole, subject: subject}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// run executes fn inside a transaction. Scoped stores first drop to the
// caller's database role and publish the caller subject for row-level
// policies; SET LOCAL confines both to the transaction.
func (s *PGStore) run(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if s.scoped {
		if _, err := tx.ExecContext(ctx, "set local role "+s.dbRole); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`select set_config('request.jwt.claim.sub', $1, true)`, s.subject); err != nil {
			return err
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Users ---------------------------------------------------------------------

const userColumns = `id, email, username, role, status, external_ref, password_hash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u            User
		role         string
		externalRef  sql.NullString
		passwordHash sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &role, &u.Status,
		&externalRef, &passwordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Role = roles.Parse(role)
	switch {
	case externalRef.Valid && externalRef.String != "":
		u.Credential = ExternalCredential{Ref: externalRef.String}
	case passwordHash.Valid:
		u.Credential = LocalCredential{PasswordHash: passwordHash.String}
	}
	return &u, nil
}

func (s *PGStore) FindUser(ctx context.Context, id string) (*User, error) {
	return s.findUserWhere(ctx, "id=$1", id)
}

func (s *PGStore) FindUserByExternalRef(ctx context.Context, ref string) (*User, error) {
	return s.findUserWhere(ctx, "external_ref=$1", ref)
}

func (s *PGStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.findUserWhere(ctx, "email=$1", strings.ToLower(strings.TrimSpace(email)))
}

func (s *PGStore) findUserWhere(ctx context.Context, where string, arg any) (*User, error) {
	var u *User
	err := s.run(ctx, func(q querier) error {
		row := q.QueryRowContext(ctx,
			`select `+userColumns+` from users where `+where, arg)
		found, err := scanUser(row)
		if err != nil {
			return err
		}
		u = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *PGStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	return s.run(ctx, func(q querier) error {
		return insertUser(ctx, q, u)
	})
}

func insertUser(ctx context.Context, q querier, u *User) error {
	var externalRef, passwordHash sql.NullString
	switch c := u.Credential.(type) {
	case ExternalCredential:
		externalRef = sql.NullString{String: c.Ref, Valid: true}
	case LocalCredential:
		passwordHash = sql.NullString{String: c.PasswordHash, Valid: true}
	}
	_, err := q.ExecContext(ctx,
		`insert into users(id, email, username, role, status, external_ref, password_hash)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Email, u.Username, string(u.Role), u.Status, externalRef, passwordHash,
	)
	return mapPGError(err)
}

func (s *PGStore) UpdateUserRole(ctx context.Context, userID string, role roles.Role) error {
	return s.run(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx,
			`update users set role=$2, updated_at=now() where id=$1`, userID, string(role))
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (s *PGStore) UpdateUserStatus(ctx context.Context, userID, status string) error {
	return s.run(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx,
			`update users set status=$2, updated_at=now() where id=$1`, userID, status)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// Organizations -------------------------------------------------------------

func (s *PGStore) Organization(ctx context.Context, id string) (*Organization, error) {
	var org *Organization
	err := s.run(ctx, func(q querier) error {
		row := q.QueryRowContext(ctx,
			`select id, owner_user_id, name, created_at from organizations where id=$1`, id)
		var o Organization
		if err := row.Scan(&o.ID, &o.OwnerUserID, &o.Name, &o.CreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		org = &o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

func (s *PGStore) OrganizationsOwnedBy(ctx context.Context, userID string) ([]*Organization, error) {
	return s.listOrganizations(ctx, `where owner_user_id=$1`, userID)
}

func (s *PGStore) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	return s.listOrganizations(ctx, "")
}

func (s *PGStore) listOrganizations(ctx context.Context, where string, args ...any) ([]*Organization, error) {
	var res []*Organization
	err := s.run(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx,
			`select id, owner_user_id, name, created_at from organizations `+where+` order by created_at`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var o Organization
			if err := rows.Scan(&o.ID, &o.OwnerUserID, &o.Name, &o.CreatedAt); err != nil {
				return err
			}
			res = append(res, &o)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *PGStore) IsOrganizationMember(ctx context.Context, userID, orgID string) (bool, error) {
	var member bool
	err := s.run(ctx, func(q querier) error {
		row := q.QueryRowContext(ctx, `
			select exists(
				select 1 from organizations o where o.id=$2 and o.owner_user_id=$1
			) or exists(
				select 1 from restaurant_staff a
				join restaurants r on r.id=a.restaurant_id
				where a.user_id=$1 and r.organization_id=$2 and a.status='active'
			)`, userID, orgID)
		return row.Scan(&member)
	})
	if err != nil {
		return false, err
	}
	return member, nil
}

// Restaurants ---------------------------------------------------------------

func (s *PGStore) Restaurant(ctx context.Context, id string) (*Restaurant, error) {
	var rest *Restaurant
	err := s.run(ctx, func(q querier) error {
		row := q.QueryRowContext(ctx,
			`select id, organization_id, name, created_at from restaurants where id=$1`, id)
		var r Restaurant
		if err := row.Scan(&r.ID, &r.OrganizationID, &r.Name, &r.CreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		rest = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rest, nil
}

// Staff assignments ---------------------------------------------------------

const assignmentColumns = `user_id, restaurant_id, role, status, hourly_rate_cents, created_at, updated_at`

func scanAssignment(row rowScanner) (*StaffAssignment, error) {
	var (
		a    StaffAssignment
		role string
	)
	if err := row.Scan(&a.UserID, &a.RestaurantID, &role, &a.Status,
		&a.HourlyRate, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Role = StaffRole(role)
	return &a, nil
}

// CreateStaff writes the user and the assignment in one transaction. A
// failure after the first insert rolls both back; no orphaned staff profile
// can remain.
func (s *PGStore) CreateStaff(ctx context.Context, u *User, a *StaffAssignment) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	a.UserID = u.ID
	return s.run(ctx, func(q querier) error {
		if err := insertUser(ctx, q, u); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx,
			`insert into restaurant_staff(user_id, restaurant_id, role, status, hourly_rate_cents)
			 values($1,$2,$3,$4,$5)`,
			a.UserID, a.RestaurantID, string(a.Role), a.Status, a.HourlyRate,
		)
		return mapPGError(err)
	})
}

func (s *PGStore) ActiveAssignment(ctx context.Context, userID, restaurantID string) (*StaffAssignment, error) {
	var assignment *StaffAssignment
	err := s.run(ctx, func(q querier) error {
		row := q.QueryRowContext(ctx,
			`select `+assignmentColumns+` from restaurant_staff
			 where user_id=$1 and restaurant_id=$2 and status='active'`,
			userID, restaurantID)
		found, err := scanAssignment(row)
		if err != nil {
			return err
		}
		assignment = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assignment, nil
}

func (s *PGStore) AssignmentsForUser(ctx context.Context, userID string) ([]*StaffAssignment, error) {
	var res []*StaffAssignment
	err := s.run(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx,
			`select `+assignmentColumns+` from restaurant_staff where user_id=$1 order by created_at`,
			userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAssignment(rows)
			if err != nil {
				return err
			}
			res = append(res, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *PGStore) StaffForRestaurant(ctx context.Context, restaurantID string) ([]*StaffMember, error) {
	var res []*StaffMember
	err := s.run(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, `
			select u.id, u.email, u.username, u.role, u.status, u.external_ref, u.password_hash,
			       u.created_at, u.updated_at,
			       a.user_id, a.restaurant_id, a.role, a.status, a.hourly_rate_cents,
			       a.created_at, a.updated_at
			from restaurant_staff a
			join users u on u.id=a.user_id
			where a.restaurant_id=$1
			order by a.created_at`, restaurantID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				u            User
				a            StaffAssignment
				userRole     string
				staffRole    string
				externalRef  sql.NullString
				passwordHash sql.NullString
			)
			if err := rows.Scan(&u.ID, &u.Email, &u.Username, &userRole, &u.Status,
				&externalRef, &passwordHash, &u.CreatedAt, &u.UpdatedAt,
				&a.UserID, &a.RestaurantID, &staffRole, &a.Status, &a.HourlyRate,
				&a.CreatedAt, &a.UpdatedAt); err != nil {
				return err
			}
			u.Role = roles.Parse(userRole)
			switch {
			case externalRef.Valid && externalRef.String != "":
				u.Credential = ExternalCredential{Ref: externalRef.String}
			case passwordHash.Valid:
				u.Credential = LocalCredential{PasswordHash: passwordHash.String}
			}
			a.Role = StaffRole(staffRole)
			res = append(res, &StaffMember{User: u, Assignment: a})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *PGStore) UpdateStaff(ctx context.Context, userID, restaurantID string, upd StaffUpdate) (*StaffAssignment, error) {
	sets := []string{"updated_at=now()"}
	args := []any{userID, restaurantID}
	if upd.Role != nil {
		args = append(args, string(*upd.Role))
		sets = append(sets, fmt.Sprintf("role=$%d", len(args)))
	}
	if upd.Status != nil {
		args = append(args, *upd.Status)
		sets = append(sets, fmt.Sprintf("status=$%d", len(args)))
	}
	if upd.HourlyRate != nil {
		args = append(args, *upd.HourlyRate)
		sets = append(sets, fmt.Sprintf("hourly_rate_cents=$%d", len(args)))
	}

	var assignment *StaffAssignment
	err := s.run(ctx, func(q querier) error {
		row := q.QueryRowContext(ctx,
			`update restaurant_staff set `+strings.Join(sets, ", ")+
				` where user_id=$1 and restaurant_id=$2 returning `+assignmentColumns,
			args...)
		found, err := scanAssignment(row)
		if err != nil {
			return err
		}
		assignment = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assignment, nil
}

// Helpers -------------------------------------------------------------------

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
