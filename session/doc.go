// Package session provides Redis-backed session persistence and the
// compact binary session encoding used on authentication hot paths.
//
// # Binary encoding
//
// Sessions are stored as a versioned binary blob with a fixed-width
// timestamp trailer, which lets the store's Lua scripts splice LastSeenAt
// and RevokedAt in place without a decode round trip.
//
// # Ownership scoping
//
// Every store operation takes the full (tenant, principal, session id)
// triple. A session owned by someone else is indistinguishable from a
// missing one; a session past its absolute expiry is nonexistent for all
// callers even while the tombstoned blob survives for the retention
// window.
//
// # What this package must NOT do
//
//   - Import the root package or token (no upward imports).
//   - Extend a session's absolute expiry for any reason.
//   - Make authorization decisions; it stores and retrieves state only.
package session
