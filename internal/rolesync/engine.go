// Package rolesync reconciles internal roles with the external identity
// provider. The provider is authoritative for externally managed users; this
// package reads memberships live, maps the external role string through the
// configured mapping and persists the result, in that order, so a mapped role
// is never written from stale membership data.
package rolesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tably.dev/internal/directory"
	"tably.dev/internal/identity"
	"tably.dev/internal/obs"
	"tably.dev/internal/roles"
)

var (
	// ErrNoMemberships indicates the external user belongs to no
	// organization, so there is nothing to derive a role from.
	ErrNoMemberships = errors.New("rolesync: user has no organization memberships")

	// ErrUserNotLinked indicates no internal user references the external
	// identity.
	ErrUserNotLinked = errors.New("rolesync: no internal user linked to external identity")

	// ErrUnknownEvent indicates a webhook event type this core does not
	// handle.
	ErrUnknownEvent = errors.New("rolesync: unknown event type")
)

// Membership event types accepted by HandleMembershipChange.
const (
	EventMembershipCreated = "organizationMembership.created"
	EventMembershipUpdated = "organizationMembership.updated"
	EventMembershipDeleted = "organizationMembership.deleted"
)

const (
	defaultBackgroundTimeout = 10 * time.Second
	defaultBulkConcurrency   = 8
)

// SyncResult reports one completed single-user sync.
type SyncResult struct {
	UserID         string     `json:"user_id"`
	ExternalUserID string     `json:"external_user_id"`
	OrganizationID string     `json:"organization_id"`
	ExternalRole   string     `json:"external_role"`
	MappedRole     roles.Role `json:"mapped_role"`
}

// MemberResult is the per-member outcome of an organization-wide sync. Error
// is empty on success; a failed member never aborts the batch.
type MemberResult struct {
	ExternalUserID string     `json:"external_user_id"`
	ExternalRole   string     `json:"external_role"`
	MappedRole     roles.Role `json:"mapped_role,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// BulkResult aggregates an organization-wide sync.
type BulkResult struct {
	OrganizationID string         `json:"organization_id"`
	Synced         int            `json:"synced"`
	Failed         int            `json:"failed"`
	Members        []MemberResult `json:"members"`
}

// MembershipEvent is the payload of a provider membership webhook. Email and
// Username are present on creation events and allow provisioning an internal
// user that does not exist yet.
type MembershipEvent struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	Email          string `json:"email,omitempty"`
	Username       string `json:"username,omitempty"`
}

// Engine performs role reconciliation against a privileged store. Role
// bookkeeping is internal maintenance, not a caller-initiated data access, so
// it does not run under a request-scoped store.
type Engine struct {
	store       identity.Store
	dir         directory.Client
	mapping     *roles.Mapping
	bgTimeout   time.Duration
	concurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackgroundTimeout bounds each background sync attempt.
func WithBackgroundTimeout(d time.Duration) Option {
	return func(e *Engine) { e.bgTimeout = d }
}

// WithConcurrency caps parallel member syncs during an organization-wide run.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// New returns an Engine over the given store, provider client and role
// mapping.
func New(store identity.Store, dir directory.Client, mapping *roles.Mapping, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		dir:         dir,
		mapping:     mapping,
		bgTimeout:   defaultBackgroundTimeout,
		concurrency: defaultBulkConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncUserRole fetches the user's current external role, maps it and persists
// the mapped role on the linked internal user. When organizationID is empty
// the user's memberships are enumerated and the one mapping to the highest
// internal role wins; ties keep the provider's ordering.
func (e *Engine) SyncUserRole(ctx context.Context, externalUserID, organizationID string) (*SyncResult, error) {
	var externalRole string
	if organizationID == "" {
		memberships, err := e.dir.UserMemberships(ctx, externalUserID)
		if err != nil {
			return nil, fmt.Errorf("list memberships: %w", err)
		}
		if len(memberships) == 0 {
			return nil, ErrNoMemberships
		}
		chosen := memberships[0]
		for _, m := range memberships[1:] {
			if roles.Rank(e.mapping.Resolve(m.Role)) > roles.Rank(e.mapping.Resolve(chosen.Role)) {
				chosen = m
			}
		}
		organizationID = chosen.OrganizationID
		externalRole = chosen.Role
	} else {
		role, err := e.dir.OrganizationRole(ctx, externalUserID, organizationID)
		if err != nil {
			return nil, fmt.Errorf("fetch organization role: %w", err)
		}
		externalRole = role
	}

	mapped := e.mapping.Resolve(externalRole)

	user, err := e.store.FindUserByExternalRef(ctx, externalUserID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, ErrUserNotLinked
		}
		return nil, fmt.Errorf("find linked user: %w", err)
	}
	if err := e.store.UpdateUserRole(ctx, user.ID, mapped); err != nil {
		return nil, fmt.Errorf("persist role: %w", err)
	}

	return &SyncResult{
		UserID:         user.ID,
		ExternalUserID: externalUserID,
		OrganizationID: organizationID,
		ExternalRole:   externalRole,
		MappedRole:     mapped,
	}, nil
}

// SyncOrganizationMembers syncs every member of the organization. Failing to
// list members fails the call; individual member failures are recorded in the
// result and do not stop the rest of the batch.
func (e *Engine) SyncOrganizationMembers(ctx context.Context, organizationID string) (*BulkResult, error) {
	members, err := e.dir.OrganizationMembers(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list organization members: %w", err)
	}

	results := make([]MemberResult, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, m := range members {
		i, m := i, m
		g.Go(func() error {
			res, err := e.SyncUserRole(gctx, m.UserID, organizationID)
			if err != nil {
				results[i] = MemberResult{
					ExternalUserID: m.UserID,
					ExternalRole:   m.Role,
					Error:          err.Error(),
				}
				return nil
			}
			results[i] = MemberResult{
				ExternalUserID: m.UserID,
				ExternalRole:   res.ExternalRole,
				MappedRole:     res.MappedRole,
			}
			return nil
		})
	}
	_ = g.Wait()

	bulk := &BulkResult{OrganizationID: organizationID, Members: results}
	for _, r := range results {
		if r.Error == "" {
			bulk.Synced++
		} else {
			bulk.Failed++
		}
	}
	return bulk, nil
}

// HandleMembershipChange applies one provider webhook event. Replays converge
// on the same state: deletions for unknown users are acknowledged silently,
// and creations of already-provisioned users fall through to a plain sync.
func (e *Engine) HandleMembershipChange(ctx context.Context, eventType string, ev MembershipEvent) (*SyncResult, error) {
	switch eventType {
	case EventMembershipDeleted:
		user, err := e.store.FindUserByExternalRef(ctx, ev.UserID)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("find linked user: %w", err)
		}
		lowest := roles.Lowest()
		if err := e.store.UpdateUserRole(ctx, user.ID, lowest); err != nil {
			return nil, fmt.Errorf("reset role: %w", err)
		}
		return &SyncResult{
			UserID:         user.ID,
			ExternalUserID: ev.UserID,
			OrganizationID: ev.OrganizationID,
			ExternalRole:   ev.Role,
			MappedRole:     lowest,
		}, nil

	case EventMembershipCreated, EventMembershipUpdated:
		if _, err := e.store.FindUserByExternalRef(ctx, ev.UserID); errors.Is(err, identity.ErrNotFound) && ev.Email != "" {
			if err := e.provision(ctx, ev); err != nil {
				return nil, err
			}
		}
		return e.SyncUserRole(ctx, ev.UserID, ev.OrganizationID)

	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, eventType)
	}
}

// provision creates the internal user for a membership that arrived before
// any login. A concurrent duplicate insert is fine; the follow-up sync wins.
func (e *Engine) provision(ctx context.Context, ev MembershipEvent) error {
	now := time.Now().UTC()
	user := &identity.User{
		Email:      ev.Email,
		Username:   ev.Username,
		Role:       e.mapping.Resolve(ev.Role),
		Status:     identity.StatusActive,
		Credential: identity.ExternalCredential{Ref: ev.UserID},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateUser(ctx, user); err != nil && !errors.Is(err, identity.ErrConflict) {
		return fmt.Errorf("provision user: %w", err)
	}
	return nil
}

// HasRequiredRole checks the user's live external role in the organization
// against the required internal role. The provider is queried every time; no
// local snapshot is consulted.
func (e *Engine) HasRequiredRole(ctx context.Context, externalUserID, organizationID string, required roles.Role) (bool, error) {
	externalRole, err := e.dir.OrganizationRole(ctx, externalUserID, organizationID)
	if err != nil {
		return false, fmt.Errorf("fetch organization role: %w", err)
	}
	return roles.AtLeast(e.mapping.Resolve(externalRole), required), nil
}

// SyncInBackground runs SyncUserRole on its own goroutine with its own
// timeout. The caller is never blocked and never sees the error; failures are
// logged and counted. The returned channel receives the final error (possibly
// nil) and is buffered, so ignoring it is safe.
func (e *Engine) SyncInBackground(externalUserID, organizationID string) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				obs.Log(map[string]any{
					"type":  "role_sync_panic",
					"panic": fmt.Sprint(r),
				})
				obs.ObserveRoleSync("background", "panic")
				done <- fmt.Errorf("rolesync: panic: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), e.bgTimeout)
		defer cancel()

		_, err := e.SyncUserRole(ctx, externalUserID, organizationID)
		if err != nil {
			obs.Log(map[string]any{
				"type":             "role_sync_failed",
				"external_user_id": externalUserID,
				"organization_id":  organizationID,
				"error":            err.Error(),
			})
			obs.ObserveRoleSync("background", "error")
		} else {
			obs.ObserveRoleSync("background", "ok")
		}
		done <- err
	}()
	return done
}
