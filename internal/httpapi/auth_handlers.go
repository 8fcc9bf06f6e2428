package httpapi

import (
	"errors"
	"net/http"
	"time"

	"tably.dev/internal/audit"
	"tably.dev/internal/authn"
	"tably.dev/internal/identity"
)

type staffLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type staffLoginResponse struct {
	Success     bool                        `json:"success"`
	User        *identity.User              `json:"user"`
	Assignments []*identity.StaffAssignment `json:"assignments"`
	Token       string                      `json:"token"`
	ExpiresAt   time.Time                   `json:"expires_at"`
}

func (a *API) handleStaffLogin(w http.ResponseWriter, r *http.Request) {
	var req staffLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := a.auth.AuthenticateLocalUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, authn.ErrInvalidCredentials) {
			// One failure message for every cause; callers must not learn
			// which part was wrong.
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), "staff.login", map[string]any{
		"user_id": sess.User.ID,
	})
	writeJSON(w, http.StatusOK, staffLoginResponse{
		Success:     true,
		User:        sess.User,
		Assignments: sess.Assignments,
		Token:       sess.Token,
		ExpiresAt:   sess.ExpiresAt,
	})
}
