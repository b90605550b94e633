// Package middleware adapts HTTP requests into engine calls.
//
// [Authenticate] reads the bearer token and tenant header, validates
// through [tessera.Engine.ValidateAccess], and injects the verified
// [tessera.Identity] into the request context. [RequirePermission] gates
// a handler on one permission via the identity's [tessera.Authorizer].
//
// # Architecture boundaries
//
// This package translates HTTP semantics into engine calls. All
// authentication and authorization decisions are the engine's.
//
// # What this package must NOT do
//
//   - Parse or create tokens directly.
//   - Access Redis or the directory.
//   - Make authorization decisions beyond what the engine returns.
package middleware
