package rbac

import "sort"

// Set is a resolved permission union. The zero value grants nothing.
type Set struct {
	all   bool
	perms map[string]struct{}
}

// Has reports whether the set grants the permission. A wildcard or
// superuser resolution grants every permission, registered or not.
func (s Set) Has(permission string) bool {
	if s.all {
		return true
	}
	_, ok := s.perms[permission]
	return ok
}

// All reports whether the set was short-circuited by a wildcard grant or
// a superuser role.
func (s Set) All() bool {
	return s.all
}

// List returns the granted permissions sorted for stable output. It is
// empty for a wildcard set; callers check All first.
func (s Set) List() []string {
	out := make([]string, 0, len(s.perms))
	for perm := range s.perms {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}
