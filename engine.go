package tessera

import (
	"context"
	"time"

	"github.com/tessera-id/tessera/internal"
	"github.com/tessera-id/tessera/internal/guard"
	"github.com/tessera-id/tessera/internal/seal"
	"github.com/tessera-id/tessera/password"
	"github.com/tessera-id/tessera/rbac"
	"github.com/tessera-id/tessera/session"
	"github.com/tessera-id/tessera/token"
)

// Engine is the authentication core. Construct it with [New]; the zero
// value is unusable.
//
// Every operation that reads or writes principal state takes the tenant
// from the request context (see [WithTenantID]). A missing tenant is a
// hard error, never a default.
type Engine struct {
	config Config

	directory Directory

	tokens   *token.Manager
	hasher   *password.Hasher
	sealer   *seal.Sealer
	registry *rbac.Registry

	sessions    *session.Store
	loginGuard  *guard.Limiter
	stepupGuard *guard.Limiter
	stepups     *stepupStore
	refreshes   *refreshStore
	revocations *revocationStore

	audit   *auditDispatcher
	metrics *Metrics
}

// Close flushes the audit pipeline. The engine must not be used after
// Close returns.
func (e *Engine) Close() error {
	if e.audit != nil {
		e.audit.Close()
	}
	return nil
}

// AuditDropped reports how many audit events were discarded because the
// buffer was full. Nonzero values mean the sink is too slow for the
// configured buffer.
func (e *Engine) AuditDropped() uint64 {
	if e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all counters and
// histograms.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// TenantHeader returns the configured transport header carrying the
// tenant id. Middleware reads it; the engine itself never touches HTTP.
func (e *Engine) TenantHeader() string {
	return e.config.MultiTenant.TenantHeader
}

func (e *Engine) metricInc(id MetricID) {
	e.metrics.Inc(id)
}

func (e *Engine) metricObserve(id MetricID, d time.Duration) {
	e.metrics.Observe(id, d)
}

// requireTenant reads the tenant from the context. Callers that reach the
// engine without one get ErrTenantRequired back unconditionally.
func (e *Engine) requireTenant(ctx context.Context) (string, error) {
	tenantID, ok := tenantIDFromContext(ctx)
	if !ok || tenantID == "" {
		return "", ErrTenantRequired
	}
	return tenantID, nil
}

// establishSession creates the session record and mints the token pair.
// Shared by first-factor-only logins and completed step-ups; the caller
// owns audit emission.
func (e *Engine) establishSession(ctx context.Context, principal *PrincipalRecord) (*LoginResult, error) {
	if max := e.config.Session.MaxSessionsPerPrincipal; max > 0 {
		count, err := e.sessions.ActiveSessionCount(ctx, principal.TenantID, principal.PrincipalID)
		if err != nil {
			return nil, storeUnavailable(err)
		}
		if count >= max {
			return nil, ErrSessionLimitExceeded
		}
	}

	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}
	sessionID := sid.String()

	var ipHash, uaHash [32]byte
	if ip := clientIPFromContext(ctx); ip != "" {
		ipHash = internal.HashBindingValue(ip)
	}
	if ua := userAgentFromContext(ctx); ua != "" {
		uaHash = internal.HashBindingValue(ua)
	}

	now := time.Now()
	sess := &session.Session{
		SessionID:   sessionID,
		PrincipalID: principal.PrincipalID,
		TenantID:    principal.TenantID,
		IPHash:      ipHash,
		UAHash:      uaHash,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(e.config.Session.Lifetime).Unix(),
		LastSeenAt:  now.Unix(),
	}
	if err := e.sessions.Save(ctx, sess); err != nil {
		return nil, storeUnavailable(err)
	}

	accessToken, _, err := e.tokens.CreateAccess(principal.PrincipalID, principal.TenantID, sessionID)
	if err != nil {
		return nil, err
	}
	refreshToken, refreshClaims, err := e.tokens.CreateRefresh(principal.TenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := e.refreshes.Create(ctx, refreshClaims.ID, &refreshRecord{
		PrincipalID: principal.PrincipalID,
		TenantID:    principal.TenantID,
		SessionID:   sessionID,
		TokenHash:   internal.HashToken(refreshToken),
		ExpiresAt:   refreshClaims.ExpiresAt.Unix(),
	}); err != nil {
		return nil, storeUnavailable(err)
	}

	e.metricInc(MetricSessionCreated)

	return &LoginResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		SessionID:    sessionID,
	}, nil
}
