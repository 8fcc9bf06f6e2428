package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"tably.dev/internal/audit"
	"tably.dev/internal/directory"
	"tably.dev/internal/obs"
	"tably.dev/internal/roles"
	"tably.dev/internal/rolesync"
)

const webhookSecretHeader = "X-Tably-Webhook-Secret"

type syncUserRequest struct {
	ExternalUserID string `json:"external_user_id"`
	OrganizationID string `json:"organization_id,omitempty"`
}

type syncOrganizationRequest struct {
	OrganizationID string `json:"organization_id"`
}

type membershipWebhookRequest struct {
	EventType string                   `json:"event_type"`
	Payload   rolesync.MembershipEvent `json:"payload"`
}

func (a *API) handleSyncUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireAuthenticated(w, r)
	if !ok {
		return
	}
	if _, ok := a.requireAdminRole(w, r, caller); !ok {
		return
	}

	var req syncUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ExternalUserID == "" {
		writeError(w, r, http.StatusBadRequest, "external_user_id is required")
		return
	}

	res, err := a.sync.SyncUserRole(r.Context(), req.ExternalUserID, req.OrganizationID)
	if err != nil {
		obs.ObserveRoleSync("manual", "error")
		writeSyncError(w, r, err)
		return
	}

	obs.ObserveRoleSync("manual", "ok")
	_ = audit.LogEvent(r.Context(), "role_sync.user", map[string]any{
		"external_user_id": res.ExternalUserID,
		"organization_id":  res.OrganizationID,
		"mapped_role":      res.MappedRole,
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSyncOrganization(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireAuthenticated(w, r)
	if !ok {
		return
	}
	user, ok := a.resolveCallerUser(w, r, caller)
	if !ok {
		return
	}

	var req syncOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !a.requireOrganizationMember(w, r, caller, user, req.OrganizationID) {
		return
	}

	// Membership is not enough; the requester's live external role must be
	// admin-grade in this organization. System roles skip the provider check.
	if !roles.System(user.Role) {
		allowed, err := a.sync.HasRequiredRole(r.Context(), caller.Subject, req.OrganizationID, roles.Admin)
		if err != nil {
			writeSyncError(w, r, err)
			return
		}
		if !allowed {
			writeError(w, r, http.StatusForbidden, "admin role required in this organization")
			return
		}
	}

	bulk, err := a.sync.SyncOrganizationMembers(r.Context(), req.OrganizationID)
	if err != nil {
		obs.ObserveRoleSync("bulk", "error")
		writeSyncError(w, r, err)
		return
	}

	obs.ObserveRoleSync("bulk", "ok")
	_ = audit.LogEvent(r.Context(), "role_sync.organization", map[string]any{
		"organization_id": bulk.OrganizationID,
		"synced":          bulk.Synced,
		"failed":          bulk.Failed,
	})
	// Partial failures ride back in the report with a 200; only a failure to
	// enumerate members is a server error.
	writeJSON(w, http.StatusOK, bulk)
}

func (a *API) handleMembershipWebhook(w http.ResponseWriter, r *http.Request) {
	if a.cfg.WebhookSecret != "" {
		got := r.Header.Get(webhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.WebhookSecret)) != 1 {
			writeError(w, r, http.StatusUnauthorized, "invalid webhook secret")
			return
		}
	}

	var req membershipWebhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.EventType == "" || req.Payload.UserID == "" {
		writeError(w, r, http.StatusBadRequest, "event_type and payload.user_id are required")
		return
	}

	res, err := a.sync.HandleMembershipChange(r.Context(), req.EventType, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, rolesync.ErrUserNotLinked), errors.Is(err, rolesync.ErrNoMemberships):
			// Nothing to apply yet; ack so the provider stops retrying.
			obs.ObserveRoleSync("webhook", "skipped")
			writeJSON(w, http.StatusOK, map[string]any{"received": true, "applied": false})
		case errors.Is(err, rolesync.ErrUnknownEvent):
			obs.ObserveRoleSync("webhook", "error")
			writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, directory.ErrUnavailable):
			obs.ObserveRoleSync("webhook", "error")
			writeError(w, r, http.StatusServiceUnavailable, "directory unavailable")
		default:
			// Store failures must come back as 5xx so the provider keeps
			// retrying until the role change lands.
			obs.ObserveRoleSync("webhook", "error")
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	obs.ObserveRoleSync("webhook", "ok")
	fields := map[string]any{"event_type": req.EventType}
	if res != nil {
		fields["external_user_id"] = res.ExternalUserID
		fields["mapped_role"] = res.MappedRole
	}
	_ = audit.LogEvent(r.Context(), "role_sync.webhook", fields)
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "applied": res != nil})
}

func writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rolesync.ErrNoMemberships):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, rolesync.ErrUserNotLinked), errors.Is(err, directory.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "referenced entity not found")
	case errors.Is(err, directory.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "directory unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
