// Package guard implements the brute-force escalation ladders consulted
// before every authentication entry point.
//
// Each limiter tracks failures per login identifier and, independently,
// per origin address. Failures live in Redis sorted sets trimmed to a
// sliding window; a Lua script records the failure and applies the state
// transition atomically so concurrent attempts cannot skip a penalty.
//
// # Architecture boundaries
//
// The package decides ladder state only. Mapping states to caller-facing
// errors (locked, rate limited, challenge required) is the engine's job,
// as is emitting the audit events for alerts and degradation.
//
// # What this package must NOT do
//
//   - it must not inspect credentials or know whether an attempt would
//     have succeeded
//   - it must not reset the address ladder on success
//   - it must not hide Redis unavailability: degraded decisions are
//     always flagged
package guard
