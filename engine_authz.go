package tessera

import (
	"context"

	"github.com/tessera-id/tessera/rbac"
)

// Authorizer is the memoized permission view of one validated identity.
// Roles are read from the directory exactly once, at construction; every
// Require after that is a pure in-memory lookup with no I/O, cheap enough
// for several checks per request. The view is a snapshot: role changes
// made after construction show up in the next Authorizer, not this one.
type Authorizer struct {
	engine   *Engine
	identity *Identity
	roles    []string
	granted  rbac.Set
}

// Authorizer resolves the identity's role assignments through the role
// registry and returns the memoized view. Roles assigned in the directory
// but absent from the registry grant nothing and are kept in Roles for
// diagnostics.
func (e *Engine) Authorizer(ctx context.Context, identity *Identity) (*Authorizer, error) {
	tenantID, principalID, err := e.requireIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}

	roles, err := e.directory.GetRolesForPrincipal(ctx, tenantID, principalID)
	if err != nil {
		return nil, storeUnavailable(err)
	}

	return &Authorizer{
		engine:   e,
		identity: identity,
		roles:    roles,
		granted:  e.registry.Resolve(roles...),
	}, nil
}

// Require reports nil when the identity holds the permission within
// tenantID. A tenant other than the identity's own always fails with
// ErrTenantMismatch, before the permission is even considered and
// regardless of whether the target tenant exists: the cross-tenant shape
// of the request dominates every other characterization, and probing
// which tenants exist must read the same as probing ones that do not.
func (a *Authorizer) Require(tenantID, permission string) error {
	if tenantID != a.identity.TenantID {
		a.engine.metricInc(MetricTenantMismatch)
		return ErrTenantMismatch
	}
	if !a.granted.Has(permission) {
		a.engine.metricInc(MetricPermissionDenied)
		return ErrPermissionDenied
	}
	return nil
}

// Has is Require without the error shaping, for callers branching on a
// permission rather than gating on it.
func (a *Authorizer) Has(permission string) bool {
	return a.granted.Has(permission)
}

// Roles returns the directory's role assignments as resolved at
// construction, including any the registry does not know.
func (a *Authorizer) Roles() []string {
	out := make([]string, len(a.roles))
	copy(out, a.roles)
	return out
}

// Permissions returns the resolved grant list. It is empty when the view
// was short-circuited by a wildcard or superuser role; check Wildcard
// first when rendering.
func (a *Authorizer) Permissions() []string {
	return a.granted.List()
}

// Wildcard reports whether resolution short-circuited to all permissions.
func (a *Authorizer) Wildcard() bool {
	return a.granted.All()
}
