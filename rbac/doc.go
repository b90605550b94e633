// Package rbac implements the build-time role model behind authorization
// checks: global permission strings, roles carrying direct grants, and a
// role inheritance DAG resolved to flat permission sets.
//
// # Architecture boundaries
//
// This package holds pure graph machinery. It knows nothing about
// principals, tenants, tokens, or storage; callers resolve a principal's
// assigned role names elsewhere and hand them to Resolve. Tenant scoping
// and request-level memoization live in the engine's authorizer, not
// here.
//
// # What this package must NOT do
//
//   - Perform I/O of any kind. The registry is built in memory at
//     construction time and frozen before use.
//   - Accept an inheritance edge that closes a cycle. Rejection happens
//     at registration, so resolution can walk the graph without cycle
//     checks.
//   - Fail resolution for unknown assigned roles. A stale role name
//     grants nothing instead of erroring the whole request.
package rbac
