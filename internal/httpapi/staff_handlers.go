package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"tably.dev/internal/audit"
	"tably.dev/internal/authn"
	"tably.dev/internal/identity"
)

type createStaffRequest struct {
	Email        string             `json:"email"`
	Username     string             `json:"username"`
	Password     string             `json:"password"`
	RestaurantID string             `json:"restaurant_id"`
	Role         identity.StaffRole `json:"role"`
	HourlyRate   int64              `json:"hourly_rate_cents"`
}

type updateStaffRequest struct {
	RestaurantID string              `json:"restaurant_id"`
	Role         *identity.StaffRole `json:"role,omitempty"`
	Status       *string             `json:"status,omitempty"`
	HourlyRate   *int64              `json:"hourly_rate_cents,omitempty"`
}

func (a *API) handleCreateStaff(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireAuthenticated(w, r)
	if !ok {
		return
	}
	user, ok := a.resolveCallerUser(w, r, caller)
	if !ok {
		return
	}

	var req createStaffRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RestaurantID == "" {
		writeError(w, r, http.StatusBadRequest, "restaurant_id is required")
		return
	}
	if !a.ensureRestaurantAccess(w, r, user, req.RestaurantID) {
		return
	}

	member, err := a.auth.CreateStaffUser(r.Context(), authn.StaffInput{
		Email:        req.Email,
		Username:     req.Username,
		Password:     req.Password,
		RestaurantID: req.RestaurantID,
		Role:         req.Role,
		HourlyRate:   req.HourlyRate,
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrConflict):
			writeError(w, r, http.StatusConflict, "email already in use")
		default:
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	_ = audit.LogEvent(r.Context(), "staff.created", map[string]any{
		"staff_user_id": member.User.ID,
		"restaurant_id": member.Assignment.RestaurantID,
		"staff_role":    member.Assignment.Role,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"user":       member.User,
		"assignment": member.Assignment,
	})
}

func (a *API) handleRestaurantStaff(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireAuthenticated(w, r)
	if !ok {
		return
	}
	user, ok := a.resolveCallerUser(w, r, caller)
	if !ok {
		return
	}
	restaurantID := mux.Vars(r)["id"]

	// Locally managed staff see the roster of their own restaurant; everyone
	// else goes through the tenancy predicate.
	if _, local := user.PasswordHash(); local {
		ctx, _, ok := a.requireRestaurantStaff(w, r, caller, user, restaurantID)
		if !ok {
			return
		}
		r = r.WithContext(ctx)
	} else if !a.ensureRestaurantAccess(w, r, user, restaurantID) {
		return
	}

	staff, err := caller.Store.StaffForRestaurant(r.Context(), restaurantID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"staff":   staff,
	})
}

func (a *API) handleUpdateStaff(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireAuthenticated(w, r)
	if !ok {
		return
	}
	user, ok := a.resolveCallerUser(w, r, caller)
	if !ok {
		return
	}
	staffUserID := mux.Vars(r)["id"]

	var req updateStaffRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RestaurantID == "" {
		writeError(w, r, http.StatusBadRequest, "restaurant_id is required")
		return
	}
	if req.Role == nil && req.Status == nil && req.HourlyRate == nil {
		writeError(w, r, http.StatusBadRequest, "no updates supplied")
		return
	}
	if req.Role != nil && !identity.ValidStaffRole(*req.Role) {
		writeError(w, r, http.StatusBadRequest, "unknown staff role")
		return
	}
	if req.Status != nil && *req.Status != identity.AssignmentActive && *req.Status != identity.AssignmentInactive {
		writeError(w, r, http.StatusBadRequest, "unknown assignment status")
		return
	}
	if !a.ensureRestaurantAccess(w, r, user, req.RestaurantID) {
		return
	}

	assignment, err := caller.Store.UpdateStaff(r.Context(), staffUserID, req.RestaurantID, identity.StaffUpdate{
		Role:       req.Role,
		Status:     req.Status,
		HourlyRate: req.HourlyRate,
	})
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "staff assignment not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), "staff.updated", map[string]any{
		"staff_user_id": staffUserID,
		"restaurant_id": req.RestaurantID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  assignment,
	})
}
