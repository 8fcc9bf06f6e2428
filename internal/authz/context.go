// Package authz builds the ephemeral per-request authorization context: the
// caller's forwarded credential, their best-effort decoded subject, and a
// data-access client scoped to that exact credential so the backing store's
// row-level policies evaluate against the real caller. The context lives for
// one request and is never persisted.
package authz

import (
	"context"

	"tably.dev/internal/identity"
)

// Caller is the request-scoped authorization context.
type Caller struct {
	// Subject is the external subject id decoded, without verification,
	// from the forwarded credential. Empty when no credential was sent or
	// the credential could not be decoded — an unidentified caller, not an
	// error.
	Subject string
	// Credential is the raw bearer token forwarded downstream.
	Credential string
	// Store executes every query under the caller's identity. Anonymous
	// callers get an anonymous-scoped client, never a privileged one.
	Store identity.Store
}

// Anonymous reports whether no credential accompanied the request.
func (c Caller) Anonymous() bool { return c.Credential == "" }

// Identified reports whether a subject could be decoded from the credential.
func (c Caller) Identified() bool { return c.Subject != "" }

type callerContextKey struct{}
type userContextKey struct{}
type assignmentContextKey struct{}

// WithCaller attaches the authorization context to the request context.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, &caller)
}

// CallerFrom extracts the authorization context.
func CallerFrom(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	v, ok := ctx.Value(callerContextKey{}).(*Caller)
	if !ok || v == nil {
		return Caller{}, false
	}
	return *v, true
}

// WithUser attaches the resolved internal user record, set by guards that
// had to load it anyway so downstream handlers do not repeat the lookup.
func WithUser(ctx context.Context, u *identity.User) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFrom returns the resolved internal user, if a guard attached one.
func UserFrom(ctx context.Context) (*identity.User, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(userContextKey{}).(*identity.User)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// WithAssignment attaches the caller's staff assignment resolved by the
// restaurant-staff guard.
func WithAssignment(ctx context.Context, a *identity.StaffAssignment) context.Context {
	if a == nil {
		return ctx
	}
	return context.WithValue(ctx, assignmentContextKey{}, a)
}

// AssignmentFrom returns the attached staff assignment.
func AssignmentFrom(ctx context.Context) (*identity.StaffAssignment, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(assignmentContextKey{}).(*identity.StaffAssignment)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
