package authz

import (
	"net/http"

	"tably.dev/internal/identity"
	"tably.dev/internal/token"
)

// ScopeFunc derives a store bound to the given caller subject. An empty
// subject must yield an anonymous-scoped store.
type ScopeFunc func(subject string) identity.Store

// Builder constructs one Caller per inbound request.
type Builder struct {
	scope ScopeFunc
}

// NewBuilder wires the builder to a privileged postgres store; per-request
// stores are derived from it with the caller's identity.
func NewBuilder(store *identity.PGStore) *Builder {
	return &Builder{scope: func(subject string) identity.Store {
		return store.Scoped(subject)
	}}
}

// NewBuilderWithScope injects a custom scope function (used by tests).
func NewBuilderWithScope(scope ScopeFunc) *Builder {
	return &Builder{scope: scope}
}

// Build reads the forwarded bearer credential and assembles the caller's
// authorization context. A missing credential yields an anonymous context;
// a credential whose subject cannot be decoded yields an unidentified caller
// — neither is an error, and neither ever falls back to a privileged client.
func (b *Builder) Build(r *http.Request) Caller {
	raw := token.ExtractFromHeader(r.Header.Get("Authorization"))
	if raw == "" {
		return Caller{Store: b.scope("")}
	}
	subject := token.DecodeSubject(raw)
	return Caller{
		Subject:    subject,
		Credential: raw,
		Store:      b.scope(subject),
	}
}
