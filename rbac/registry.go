package rbac

import (
	"errors"
	"fmt"
	"sync"
)

// Wildcard is the permission that grants everything when held by a role.
const Wildcard = "*"

var (
	ErrFrozen            = errors.New("rbac registry frozen")
	ErrUnknownPermission = errors.New("permission not registered")
	ErrUnknownRole       = errors.New("role not registered")
	ErrDuplicate         = errors.New("already registered")
	ErrCycle             = errors.New("role inheritance cycle")
)

type roleNode struct {
	direct    map[string]struct{}
	parents   []string
	superuser bool
}

// Registry holds the build-time role model: global permission strings,
// roles with direct grants, and role-to-role inheritance edges forming a
// DAG. The edge that would close a cycle is rejected at registration
// time, never tolerated and detected later.
//
// Registration happens during engine construction; Freeze is called once
// before the registry serves resolution.
type Registry struct {
	mu          sync.RWMutex
	permissions map[string]struct{}
	roles       map[string]*roleNode
	frozen      bool
}

func NewRegistry() *Registry {
	return &Registry{
		permissions: make(map[string]struct{}),
		roles:       make(map[string]*roleNode),
	}
}

// RegisterPermission adds a global permission string.
func (r *Registry) RegisterPermission(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}
	if name == "" {
		return errors.New("permission name cannot be empty")
	}
	if name == Wildcard {
		return errors.New("wildcard cannot be registered as a permission")
	}
	if _, exists := r.permissions[name]; exists {
		return fmt.Errorf("%w: permission %q", ErrDuplicate, name)
	}

	r.permissions[name] = struct{}{}
	return nil
}

// RegisterRole adds a role with its direct permission grants. Grants must
// name registered permissions; the wildcard is always accepted.
func (r *Registry) RegisterRole(name string, grants ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}
	if name == "" {
		return errors.New("role name cannot be empty")
	}
	if _, exists := r.roles[name]; exists {
		return fmt.Errorf("%w: role %q", ErrDuplicate, name)
	}

	direct := make(map[string]struct{}, len(grants))
	for _, grant := range grants {
		if grant != Wildcard {
			if _, ok := r.permissions[grant]; !ok {
				return fmt.Errorf("%w: %q", ErrUnknownPermission, grant)
			}
		}
		direct[grant] = struct{}{}
	}

	r.roles[name] = &roleNode{direct: direct}
	return nil
}

// SetSuperuser marks a role as short-circuiting to all permissions.
func (r *Registry) SetSuperuser(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}
	node, ok := r.roles[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
	node.superuser = true
	return nil
}

// AddParent adds an inheritance edge: role additionally grants everything
// parent grants, directly or transitively. The call fails with ErrCycle
// when the edge would make parent reachable from itself.
func (r *Registry) AddParent(role, parent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}
	child, ok := r.roles[role]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if _, ok := r.roles[parent]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRole, parent)
	}
	if role == parent {
		return fmt.Errorf("%w: %q inherits itself", ErrCycle, role)
	}

	// The new edge closes a cycle exactly when role is already reachable
	// from parent.
	if r.reachableLocked(parent, role) {
		return fmt.Errorf("%w: %q -> %q", ErrCycle, role, parent)
	}

	for _, existing := range child.parents {
		if existing == parent {
			return nil
		}
	}
	child.parents = append(child.parents, parent)
	return nil
}

func (r *Registry) reachableLocked(from, target string) bool {
	if from == target {
		return true
	}

	seen := map[string]struct{}{from: {}}
	stack := []string{from}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node, ok := r.roles[current]
		if !ok {
			continue
		}
		for _, parent := range node.parents {
			if parent == target {
				return true
			}
			if _, visited := seen[parent]; visited {
				continue
			}
			seen[parent] = struct{}{}
			stack = append(stack, parent)
		}
	}
	return false
}

// Freeze prevents further registration. Must be called before the
// registry serves resolution.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// HasPermission reports whether the permission string is registered.
func (r *Registry) HasPermission(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.permissions[name]
	return ok
}

// HasRole reports whether the role is registered.
func (r *Registry) HasRole(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[name]
	return ok
}

// PermissionCount returns the number of registered permissions.
func (r *Registry) PermissionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.permissions)
}

// RoleCount returns the number of registered roles.
func (r *Registry) RoleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roles)
}

// Resolve returns the union of permissions granted by the given roles and
// every role reachable through inheritance. Assigned roles missing from
// the registry grant nothing; they never fail resolution, so stale
// directory assignments cannot lock a principal out entirely.
func (r *Registry) Resolve(roles ...string) Set {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := Set{perms: make(map[string]struct{})}
	seen := make(map[string]struct{}, len(roles))
	stack := make([]string, 0, len(roles))

	for _, role := range roles {
		if _, visited := seen[role]; visited {
			continue
		}
		seen[role] = struct{}{}
		stack = append(stack, role)
	}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node, ok := r.roles[current]
		if !ok {
			continue
		}
		if node.superuser {
			set.all = true
			return set
		}
		for grant := range node.direct {
			if grant == Wildcard {
				set.all = true
				return set
			}
			set.perms[grant] = struct{}{}
		}
		for _, parent := range node.parents {
			if _, visited := seen[parent]; visited {
				continue
			}
			seen[parent] = struct{}{}
			stack = append(stack, parent)
		}
	}

	return set
}
