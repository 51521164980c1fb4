// Package core holds the cross-cutting primitives (tenant identity, template
// substitution) shared by the routing, session, and ingress packages.
//
// Grounded in original_source/crates/lunaroute-core/src/tenant.rs: TenantId
// is an opaque 128-bit identifier (a UUID) that is either present
// (multi-tenant mode) or absent (single-tenant mode).
package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrTenantRequired is returned by store operations that require a tenant ID
// in multi-tenant mode but received none.
var ErrTenantRequired = errors.New("operation requires a tenant ID")

// TenantId is an opaque 128-bit tenant identifier.
type TenantId struct {
	id uuid.UUID
}

// NewTenantId creates a fresh random tenant ID.
func NewTenantId() TenantId {
	return TenantId{id: uuid.New()}
}

// TenantIdFromString parses a tenant ID from its canonical string form.
func TenantIdFromString(s string) (TenantId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TenantId{}, fmt.Errorf("invalid tenant id %q: %w", s, err)
	}
	return TenantId{id: u}, nil
}

func (t TenantId) String() string { return t.id.String() }

// IsZero reports whether this is the zero-value TenantId (never a valid
// tenant; used to distinguish "no tenant" from a real ID at call sites that
// don't want to thread *TenantId pointers).
func (t TenantId) IsZero() bool { return t.id == uuid.Nil }

// Mode distinguishes single- from multi-tenant store configuration.
type Mode int

const (
	SingleTenant Mode = iota
	MultiTenant
)

// RequireTenant validates a (possibly absent) tenant ID against the store's
// configured mode, per spec §3 TenantId and §4.S2 tenant discipline.
func RequireTenant(mode Mode, tenant *TenantId) (*TenantId, error) {
	switch mode {
	case MultiTenant:
		if tenant == nil || tenant.IsZero() {
			return nil, ErrTenantRequired
		}
		return tenant, nil
	default:
		return nil, nil
	}
}
