// Package internal contains helper utilities that are intentionally private to tessera,
// including secure random generation and recovery-code helpers.
//
// # Sub-packages
//
//   - guard: Redis-backed brute-force escalation ladders with local fallback
//   - ids: sortable identifier generation for directory rows
//   - seal: authenticated encryption for MFA seeds at rest
//
// # What this package must NOT do
//
//   - Export types that appear in the public tessera API.
//   - Be imported by any package outside the tessera module.
package internal
