package roles

import (
	"strings"
	"sync"
)

// Mapping translates external provider role strings into internal roles.
// It is injected into the synchronization engine at construction time so
// tests can substitute their own table. Operators may extend it at runtime
// through Merge; lookups stay O(1).
type Mapping struct {
	mu    sync.RWMutex
	table map[string]Role
}

// DefaultMapping covers the role strings the external provider is known to
// emit today.
func DefaultMapping() *Mapping {
	return NewMapping(map[string]Role{
		"org:owner":    Admin,
		"org:admin":    Admin,
		"admin":        Admin,
		"org:manager":  Manager,
		"manager":      Manager,
		"org:member":   Staff,
		"member":       Staff,
		"basic_member": Staff,
		"org:guest":    Guest,
	})
}

// NewMapping builds a mapping from the given table. Keys are normalized to
// lower case.
func NewMapping(table map[string]Role) *Mapping {
	m := &Mapping{table: make(map[string]Role, len(table))}
	m.Merge(table)
	return m
}

// Resolve maps an external role string to an internal role. Unknown external
// roles resolve to the lowest-privilege tier, never silently to an elevated
// one.
func (m *Mapping) Resolve(external string) Role {
	key := normalizeKey(external)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if role, ok := m.table[key]; ok {
		return role
	}
	return Lowest()
}

// Known reports whether the external role has an explicit entry.
func (m *Mapping) Known(external string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.table[normalizeKey(external)]
	return ok
}

// Merge adds or overwrites entries without discarding existing ones, so
// operators can extend the table without redeploying.
func (m *Mapping) Merge(partial map[string]Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, role := range partial {
		key = normalizeKey(key)
		if key == "" {
			continue
		}
		m.table[key] = Parse(string(role))
	}
}

func normalizeKey(key string) string {
	return strings.TrimSpace(strings.ToLower(key))
}
