package tessera

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/tessera-id/tessera/token"
)

// ValidateAccess verifies an access token end to end: signature and
// expiry, the logout deny list, and the backing session record. Redis
// being unreachable fails validation closed. This is the hot path; it
// emits metrics but no audit events.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*Identity, error) {
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() {
			e.metricObserve(MetricValidateLatency, time.Since(start))
		}()
	}

	tenantID, err := e.requireTenant(ctx)
	if err != nil {
		e.metricInc(MetricValidateFailure)
		return nil, err
	}

	claims, err := e.tokens.Parse(accessToken, token.KindAccess)
	if err != nil {
		e.metricInc(MetricValidateFailure)
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if claims.TenantID != tenantID {
		e.metricInc(MetricTenantMismatch)
		e.metricInc(MetricValidateFailure)
		return nil, ErrTenantMismatch
	}

	denied, err := e.revocations.IsDenied(ctx, claims.ID)
	if err != nil {
		e.metricInc(MetricValidateFailure)
		return nil, err
	}
	if denied {
		e.metricInc(MetricValidateFailure)
		return nil, ErrTokenInvalid
	}

	sess, err := e.sessions.Get(ctx, tenantID, claims.PrincipalID, claims.SessionID)
	if err != nil {
		e.metricInc(MetricValidateFailure)
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, storeUnavailable(err)
	}
	if !sess.Alive(time.Now().Unix()) {
		e.metricInc(MetricValidateFailure)
		return nil, ErrSessionNotFound
	}

	e.metricInc(MetricValidateSuccess)

	return &Identity{
		PrincipalID: claims.PrincipalID,
		TenantID:    tenantID,
		SessionID:   claims.SessionID,
		TokenID:     claims.ID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}
