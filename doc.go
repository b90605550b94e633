// Package tessera provides a multi-tenant authentication core: Argon2id
// credential verification with a uniform-latency miss path, escalating
// brute-force guards, JWT access/refresh/step-up issuance with rotation
// and replay detection, Redis-backed opaque sessions under an absolute
// expiry, TOTP step-up with single-use recovery codes, and build-time
// role-based authorization.
//
// The package is designed for concurrent server workloads: Engine methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// tessera is the public surface. It exposes [Engine], [Builder],
// [Config], the [Directory] integration interface, and value types
// (Identity, SessionInfo, MetricsSnapshot, etc.). Coordination primitives
// such as guard ladders, seed sealing, session encoding, and token
// signing live under internal/ and the focused leaf packages and are
// never re-exported.
//
// # Tenant isolation
//
// Every operation resolves its tenant from the request context via
// [WithTenantID]. There is no default tenant: a missing tenant fails with
// ErrTenantRequired, and a token minted for one tenant presented under
// another fails with ErrTenantMismatch. Both are terminal; nothing
// downgrades a tenant violation into a retryable condition.
//
// # Performance contract
//
// ValidateAccess is the hot path. It performs signature verification, one
// revocation-list probe, and one session read per call, emits no audit
// events, and allocates only the returned Identity. Login, Refresh, and
// the self-service operations are allowed multiple Redis round-trips.
package tessera
