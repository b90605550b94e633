package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/tessera-id/tessera"
)

type identityContextKey struct{}

// IdentityFromContext returns the identity Authenticate validated for
// this request.
func IdentityFromContext(ctx context.Context) (*tessera.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*tessera.Identity)
	return identity, ok
}

// Authenticate validates the bearer access token against the tenant
// named in the engine's tenant header, attaches the caller's network
// context for guard ladders and audit, and injects the verified
// Identity for downstream handlers.
//
// A missing tenant header is a malformed request, rejected before any
// token work. A store outage surfaces as 503, never as 401: the caller
// must not read infrastructure failure as a credential problem.
func Authenticate(engine *tessera.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			tenantID := r.Header.Get(engine.TenantHeader())
			if tenantID == "" {
				http.Error(w, "tenant required", http.StatusBadRequest)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := tessera.WithTenantID(r.Context(), tenantID)
			ctx = tessera.WithClientIP(ctx, clientIP(r))
			if ua := r.UserAgent(); ua != "" {
				ctx = tessera.WithUserAgent(ctx, ua)
			}

			identity, err := engine.ValidateAccess(ctx, token)
			if err != nil {
				if errors.Is(err, tessera.ErrStoreUnavailable) {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx = context.WithValue(ctx, identityContextKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission gates the wrapped handler on one permission for the
// authenticated identity. Mount inside Authenticate; a request that
// reaches it without an identity is refused.
func RequirePermission(engine *tessera.Engine, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			authz, err := engine.Authorizer(r.Context(), identity)
			if err != nil {
				if errors.Is(err, tessera.ErrStoreUnavailable) {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if err := authz.Require(identity.TenantID, permission); err != nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}

func clientIP(r *http.Request) string {
	// First hop of X-Forwarded-For when a proxy filled it in.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
