package tessera

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitForAuditEvent(t *testing.T, sink *ChannelSink, eventType string) AuditEvent {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sink.Events():
			if ev.EventType == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %q event arrived", eventType)
		}
	}
}

func TestDisablePrincipalRevokesSessions(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)
	ctx := tenantCtx("t1", "")

	first := loginAlice(t, engine, ctx)
	second := loginAlice(t, engine, ctx)

	if err := engine.SetPrincipalStatus(ctx, "p1", PrincipalDisabled); err != nil {
		t.Fatalf("SetPrincipalStatus failed: %v", err)
	}

	for i, login := range []*LoginResult{first, second} {
		if _, err := engine.ValidateAccess(ctx, login.AccessToken); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("session %d: expected ErrSessionNotFound, got %v", i+1, err)
		}
	}

	// The password is right, the answer is still the generic one.
	_, err := engine.Login(ctx, LoginRequest{Identifier: "alice@example.com", Password: "correct-horse-battery"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for disabled principal, got %v", err)
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricPrincipalDisabled] != 1 {
		t.Fatalf("expected disabled counter 1, got %d", snap.Counters[MetricPrincipalDisabled])
	}
}

func TestReenablePrincipalRestoresLogin(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)
	ctx := tenantCtx("t1", "")

	if err := engine.SetPrincipalStatus(ctx, "p1", PrincipalDisabled); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	if err := engine.SetPrincipalStatus(ctx, "p1", PrincipalActive); err != nil {
		t.Fatalf("re-enable failed: %v", err)
	}

	if _, err := engine.Login(ctx, LoginRequest{Identifier: "alice@example.com", Password: "correct-horse-battery"}); err != nil {
		t.Fatalf("login after re-enable failed: %v", err)
	}
}

func TestSetPrincipalStatusIdempotent(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)
	ctx := tenantCtx("t1", "")

	login := loginAlice(t, engine, ctx)

	// Re-asserting the current status must not touch sessions.
	if err := engine.SetPrincipalStatus(ctx, "p1", PrincipalActive); err != nil {
		t.Fatalf("idempotent set failed: %v", err)
	}
	if _, err := engine.ValidateAccess(ctx, login.AccessToken); err != nil {
		t.Fatalf("session must survive an idempotent set: %v", err)
	}
}

func TestSetPrincipalStatusUnknownPrincipal(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)
	ctx := tenantCtx("t1", "")

	if err := engine.SetPrincipalStatus(ctx, "ghost", PrincipalDisabled); !errors.Is(err, ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound, got %v", err)
	}
	if err := engine.SetPrincipalStatus(ctx, "", PrincipalDisabled); !errors.Is(err, ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound for empty id, got %v", err)
	}
}

func TestSetPrincipalStatusTenantScoped(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)

	// p1 lives in t1; through the t2 lens it does not exist.
	err := engine.SetPrincipalStatus(tenantCtx("t2", ""), "p1", PrincipalDisabled)
	if !errors.Is(err, ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound, got %v", err)
	}
	if err := engine.SetPrincipalStatus(context.Background(), "p1", PrincipalDisabled); !errors.Is(err, ErrTenantRequired) {
		t.Fatalf("expected ErrTenantRequired, got %v", err)
	}

	rec := dir.principal("t1", "p1")
	if rec.Status != PrincipalActive {
		t.Fatalf("cross-tenant call must not change status, got %v", rec.Status)
	}
}

func TestDisableEmitsTransitionAudit(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)

	sink := NewChannelSink(64)
	cfg := testConfig()
	cfg.Audit.Enabled = true
	engine := newTestEngineWithSink(t, rdb, dir, cfg, sink)
	ctx := tenantCtx("t1", "10.0.0.9")

	if err := engine.SetPrincipalStatus(ctx, "p1", PrincipalDisabled); err != nil {
		t.Fatalf("SetPrincipalStatus failed: %v", err)
	}

	ev := waitForAuditEvent(t, sink, "principal_status_changed")
	if !ev.Success {
		t.Fatalf("expected a success event, got %+v", ev)
	}
	if ev.PrincipalID != "p1" || ev.TenantID != "t1" {
		t.Fatalf("wrong subject: %+v", ev)
	}
	if ev.IP != "10.0.0.9" {
		t.Fatalf("client address missing: %+v", ev)
	}
	if ev.Metadata["transition"] != "active>disabled" {
		t.Fatalf("wrong transition: %+v", ev.Metadata)
	}
}
