package tessera

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ListSessions returns the caller's live sessions in the tenant, newest
// first. Current marks the session the validated identity is bound to.
// Only the caller's own sessions are visible; there is no cross-principal
// enumeration.
func (e *Engine) ListSessions(ctx context.Context, identity *Identity) ([]SessionInfo, error) {
	tenantID, principalID, err := e.requireIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}

	ids, err := e.sessions.ActiveSessionIDs(ctx, tenantID, principalID)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	live, err := e.sessions.GetManyOwned(ctx, tenantID, principalID, ids)
	if err != nil {
		return nil, storeUnavailable(err)
	}

	infos := make([]SessionInfo, 0, len(live))
	for _, s := range live {
		infos = append(infos, SessionInfo{
			SessionID:  s.SessionID,
			CreatedAt:  time.Unix(s.CreatedAt, 0).UTC(),
			ExpiresAt:  time.Unix(s.ExpiresAt, 0).UTC(),
			LastSeenAt: time.Unix(s.LastSeenAt, 0).UTC(),
			Current:    s.SessionID == identity.SessionID,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.After(infos[j].CreatedAt)
		}
		return infos[i].SessionID < infos[j].SessionID
	})

	return infos, nil
}

// TerminateSession revokes one of the caller's sessions by id. A session
// that does not exist, already ended, or belongs to someone else reports
// ErrSessionNotFound; the three cases are not distinguishable.
func (e *Engine) TerminateSession(ctx context.Context, identity *Identity, sessionID string) error {
	tenantID, principalID, err := e.requireIdentity(ctx, identity)
	if err != nil {
		return err
	}

	if err := e.sessions.Revoke(ctx, tenantID, principalID, sessionID); err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		return storeUnavailable(err)
	}

	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventSessionTerminated, true, principalID, tenantID, sessionID, nil, nil)

	return nil
}

// TerminateAllSessions revokes every session the caller holds in the
// tenant, the current one included, and reports how many ended.
func (e *Engine) TerminateAllSessions(ctx context.Context, identity *Identity) (int, error) {
	tenantID, principalID, err := e.requireIdentity(ctx, identity)
	if err != nil {
		return 0, err
	}

	revoked, err := e.sessions.RevokeAllForPrincipal(ctx, tenantID, principalID)
	if err != nil {
		return 0, storeUnavailable(err)
	}
	if revoked > 0 {
		e.metricInc(MetricSessionRevoked)
	}
	e.emitAudit(ctx, auditEventSessionTerminateAll, true, principalID, tenantID, identity.SessionID, nil, func() map[string]string {
		return map[string]string{
			"sessions_revoked": strconv.Itoa(revoked),
		}
	})

	return revoked, nil
}
