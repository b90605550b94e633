package rbac

import (
	"errors"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	r := NewRegistry()
	for _, perm := range []string{"doc.read", "doc.write", "doc.delete", "billing.view"} {
		if err := r.RegisterPermission(perm); err != nil {
			t.Fatalf("RegisterPermission(%q): %v", perm, err)
		}
	}
	return r
}

func TestRegisterPermissionRejectsDuplicatesAndWildcard(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.RegisterPermission("doc.read"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate permission: got %v, want ErrDuplicate", err)
	}
	if err := r.RegisterPermission(""); err == nil {
		t.Fatal("empty permission name accepted")
	}
	if err := r.RegisterPermission(Wildcard); err == nil {
		t.Fatal("wildcard accepted as a registered permission")
	}
}

func TestRegisterRoleValidatesGrants(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.RegisterRole("reader", "doc.read"); err != nil {
		t.Fatalf("RegisterRole: %v", err)
	}
	if err := r.RegisterRole("reader", "doc.read"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate role: got %v, want ErrDuplicate", err)
	}
	if err := r.RegisterRole("phantom", "doc.purge"); !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("unregistered grant: got %v, want ErrUnknownPermission", err)
	}
	if err := r.RegisterRole("root", Wildcard); err != nil {
		t.Fatalf("wildcard grant should be accepted: %v", err)
	}
}

func TestFreezeStopsRegistration(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.RegisterRole("reader", "doc.read"); err != nil {
		t.Fatalf("RegisterRole: %v", err)
	}
	r.Freeze()

	if err := r.RegisterPermission("late.perm"); !errors.Is(err, ErrFrozen) {
		t.Fatalf("RegisterPermission after freeze: got %v, want ErrFrozen", err)
	}
	if err := r.RegisterRole("late", "doc.read"); !errors.Is(err, ErrFrozen) {
		t.Fatalf("RegisterRole after freeze: got %v, want ErrFrozen", err)
	}
	if err := r.AddParent("reader", "reader"); !errors.Is(err, ErrFrozen) {
		t.Fatalf("AddParent after freeze: got %v, want ErrFrozen", err)
	}

	// Resolution still works after freeze.
	if set := r.Resolve("reader"); !set.Has("doc.read") {
		t.Fatal("frozen registry no longer resolves")
	}
}

func TestAddParentRejectsCycles(t *testing.T) {
	r := newTestRegistry(t)
	for _, role := range []string{"a", "b", "c"} {
		if err := r.RegisterRole(role); err != nil {
			t.Fatalf("RegisterRole(%q): %v", role, err)
		}
	}

	if err := r.AddParent("a", "b"); err != nil {
		t.Fatalf("a -> b: %v", err)
	}
	if err := r.AddParent("b", "c"); err != nil {
		t.Fatalf("b -> c: %v", err)
	}

	// c -> a would close a -> b -> c -> a.
	if err := r.AddParent("c", "a"); !errors.Is(err, ErrCycle) {
		t.Fatalf("closing edge: got %v, want ErrCycle", err)
	}
	if err := r.AddParent("a", "a"); !errors.Is(err, ErrCycle) {
		t.Fatalf("self edge: got %v, want ErrCycle", err)
	}

	// The rejected edge must not have been recorded.
	set := r.Resolve("c")
	if set.Has("doc.read") || len(set.List()) != 0 {
		t.Fatalf("rejected edge left grants behind: %v", set.List())
	}
}

func TestAddParentAllowsDiamond(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.RegisterRole("base", "doc.read"); err != nil {
		t.Fatalf("RegisterRole: %v", err)
	}
	for _, role := range []string{"left", "right", "top"} {
		if err := r.RegisterRole(role); err != nil {
			t.Fatalf("RegisterRole(%q): %v", role, err)
		}
	}
	edges := [][2]string{{"left", "base"}, {"right", "base"}, {"top", "left"}, {"top", "right"}}
	for _, e := range edges {
		if err := r.AddParent(e[0], e[1]); err != nil {
			t.Fatalf("%s -> %s: %v", e[0], e[1], err)
		}
	}

	if set := r.Resolve("top"); !set.Has("doc.read") {
		t.Fatal("diamond inheritance did not reach base grant")
	}
}

func TestResolveUnionsInheritedGrants(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.RegisterRole("viewer", "doc.read"); err != nil {
		t.Fatalf("RegisterRole: %v", err)
	}
	if err := r.RegisterRole("editor", "doc.write"); err != nil {
		t.Fatalf("RegisterRole: %v", err)
	}
	if err := r.RegisterRole("accountant", "billing.view"); err != nil {
		t.Fatalf("RegisterRole: %v", err)
	}
	if err := r.AddParent("editor", "viewer"); err != nil {
		t.Fatalf("AddParent: %v", err)
	}
	r.Freeze()

	set := r.Resolve("editor", "accountant")
	for _, perm := range []string{"doc.read", "doc.write", "billing.view"} {
		if !set.Has(perm) {
			t.Fatalf("missing %q in %v", perm, set.List())
		}
	}
	if set.Has("doc.delete") {
		t.Fatal("granted permission nobody holds")
	}
	if set.All() {
		t.Fatal("plain union reported as wildcard")
	}
}

func TestResolveWildcardShortCircuits(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.RegisterRole("root", Wildcard); err != nil {
		t.Fatalf("RegisterRole: %v", err)
	}

	set := r.Resolve("root")
	if !set.All() {
		t.Fatal("wildcard grant did not short-circuit")
	}
	if !set.Has("doc.read") || !set.Has("never.registered") {
		t.Fatal("wildcard set must grant everything")
	}
}

func TestResolveSuperuserShortCircuits(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.RegisterRole("admin"); err != nil {
		t.Fatalf("RegisterRole: %v", err)
	}
	if err := r.SetSuperuser("admin"); err != nil {
		t.Fatalf("SetSuperuser: %v", err)
	}
	if err := r.SetSuperuser("ghost"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("SetSuperuser on unknown role: got %v, want ErrUnknownRole", err)
	}

	if set := r.Resolve("admin"); !set.All() || !set.Has("doc.delete") {
		t.Fatal("superuser role did not short-circuit")
	}
}

func TestResolveSkipsUnknownRoles(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.RegisterRole("viewer", "doc.read"); err != nil {
		t.Fatalf("RegisterRole: %v", err)
	}

	set := r.Resolve("ghost", "viewer")
	if !set.Has("doc.read") {
		t.Fatal("known role lost because an assignment was stale")
	}
	if got := set.List(); len(got) != 1 {
		t.Fatalf("stale role granted something: %v", got)
	}
}

func TestZeroSetGrantsNothing(t *testing.T) {
	var set Set
	if set.Has("doc.read") || set.All() {
		t.Fatal("zero set must grant nothing")
	}
	if got := set.List(); len(got) != 0 {
		t.Fatalf("zero set listed grants: %v", got)
	}
}
