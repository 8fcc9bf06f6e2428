package httpapi

import (
	"context"
	"errors"
	"net/http"

	"tably.dev/internal/authn"
	"tably.dev/internal/authz"
	"tably.dev/internal/identity"
	"tably.dev/internal/roles"
)

// requireAuthenticated returns the caller context, writing 401 when the
// request carries no decodable credential.
func (a *API) requireAuthenticated(w http.ResponseWriter, r *http.Request) (authz.Caller, bool) {
	caller, ok := authz.CallerFrom(r.Context())
	if !ok || !caller.Identified() {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return authz.Caller{}, false
	}
	return caller, true
}

// resolveCallerUser maps the caller's credential to the internal user record.
// Local staff session tokens are verified; external credentials resolve by
// reference through the caller's own scoped store, so row-level policies see
// the real caller. Writes 401 when no internal user is linked.
func (a *API) resolveCallerUser(w http.ResponseWriter, r *http.Request, caller authz.Caller) (*identity.User, bool) {
	if user, err := a.auth.VerifyLocalSessionToken(r.Context(), caller.Credential); err == nil {
		return user, true
	}
	user, err := caller.Store.FindUserByExternalRef(r.Context(), caller.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, "unknown identity")
			return nil, false
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return user, true
}

// requireAdminRole loads the caller's stored role through their own scoped
// store and admits system roles and organization owners. 404 when the caller
// has no record, 403 when the role is insufficient.
func (a *API) requireAdminRole(w http.ResponseWriter, r *http.Request, caller authz.Caller) (*identity.User, bool) {
	user, err := caller.Store.FindUserByExternalRef(r.Context(), caller.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "caller record not found")
			return nil, false
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if roles.System(user.Role) {
		return user, true
	}
	owned, err := caller.Store.OrganizationsOwnedBy(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if len(owned) == 0 {
		writeError(w, r, http.StatusForbidden, "admin role required")
		return nil, false
	}
	return user, true
}

// requireOrganizationMember checks the membership predicate under the
// caller's credential. 400 when no organization id was supplied, 403 on a
// negative result.
func (a *API) requireOrganizationMember(w http.ResponseWriter, r *http.Request, caller authz.Caller, user *identity.User, orgID string) bool {
	if orgID == "" {
		writeError(w, r, http.StatusBadRequest, "organization_id is required")
		return false
	}
	member, err := caller.Store.IsOrganizationMember(r.Context(), user.ID, orgID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return false
	}
	if !member && !roles.System(user.Role) {
		writeError(w, r, http.StatusForbidden, "not a member of the organization")
		return false
	}
	return true
}

// requireRestaurantStaff checks an active staff assignment for that exact
// restaurant through the caller's scoped store and attaches it to the
// returned context. 403 when absent.
func (a *API) requireRestaurantStaff(w http.ResponseWriter, r *http.Request, caller authz.Caller, user *identity.User, restaurantID string) (context.Context, *identity.StaffAssignment, bool) {
	assignment, err := caller.Store.ActiveAssignment(r.Context(), user.ID, restaurantID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusForbidden, "no active assignment at this restaurant")
			return r.Context(), nil, false
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return r.Context(), nil, false
	}
	return authz.WithAssignment(r.Context(), assignment), assignment, true
}

// ensureRestaurantAccess applies the three-way tenancy predicate and writes
// 403 on denial.
func (a *API) ensureRestaurantAccess(w http.ResponseWriter, r *http.Request, user *identity.User, restaurantID string) bool {
	ok, err := a.auth.HasRestaurantAccess(r.Context(), user, restaurantID)
	if err != nil && !errors.Is(err, authn.ErrAccessDenied) {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return false
	}
	if !ok {
		writeError(w, r, http.StatusForbidden, "no access to this restaurant")
		return false
	}
	return true
}
