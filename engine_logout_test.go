package tessera

import (
	"errors"
	"testing"
)

func TestLogoutKillsSession(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)
	ctx := tenantCtx("t1", "")

	login := loginAlice(t, engine, ctx)

	if err := engine.Logout(ctx, login.AccessToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	if _, err := engine.ValidateAccess(ctx, login.AccessToken); err == nil {
		t.Fatal("access token survived logout")
	}
	if _, err := engine.Refresh(ctx, login.RefreshToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for refresh after logout, got %v", err)
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricLogout] != 1 {
		t.Fatalf("expected logout counter 1, got %d", snap.Counters[MetricLogout])
	}
	if snap.Counters[MetricSessionRevoked] != 1 {
		t.Fatalf("expected revoked counter 1, got %d", snap.Counters[MetricSessionRevoked])
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)
	ctx := tenantCtx("t1", "")

	login := loginAlice(t, engine, ctx)

	if err := engine.Logout(ctx, login.AccessToken); err != nil {
		t.Fatalf("first logout failed: %v", err)
	}
	if err := engine.Logout(ctx, login.AccessToken); err != nil {
		t.Fatalf("second logout must succeed, got %v", err)
	}

	// Only the first logout found a live session to revoke.
	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricSessionRevoked] != 1 {
		t.Fatalf("expected revoked counter 1, got %d", snap.Counters[MetricSessionRevoked])
	}
	if snap.Counters[MetricLogout] != 2 {
		t.Fatalf("expected logout counter 2, got %d", snap.Counters[MetricLogout])
	}
}

func TestLogoutGarbageTokenRejected(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	engine := newTestEngine(t, rdb, dir)

	if err := engine.Logout(tenantCtx("t1", ""), "not-a-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestLogoutTenantMismatch(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)

	login := loginAlice(t, engine, tenantCtx("t1", ""))

	if err := engine.Logout(tenantCtx("t2", ""), login.AccessToken); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}

	// The session is untouched by the cross-tenant attempt.
	if _, err := engine.ValidateAccess(tenantCtx("t1", ""), login.AccessToken); err != nil {
		t.Fatalf("session should survive a cross-tenant logout attempt: %v", err)
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)
	ctx := tenantCtx("t1", "")

	first := loginAlice(t, engine, ctx)
	second := loginAlice(t, engine, ctx)
	third := loginAlice(t, engine, ctx)

	if err := engine.LogoutAll(ctx, third.AccessToken); err != nil {
		t.Fatalf("LogoutAll failed: %v", err)
	}

	for i, tok := range []string{first.AccessToken, second.AccessToken, third.AccessToken} {
		if _, err := engine.ValidateAccess(ctx, tok); err == nil {
			t.Fatalf("session %d survived LogoutAll", i+1)
		}
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricLogoutAll] != 1 {
		t.Fatalf("expected logout-all counter 1, got %d", snap.Counters[MetricLogoutAll])
	}
}
