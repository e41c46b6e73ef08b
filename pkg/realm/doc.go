// Package realm implements a JWT bearer-token authentication realm: a
// pluggable identity provider that accepts an incoming request's bearer
// credential plus an optional client-authentication secret, validates the
// JWT, derives a user principal and roles, and returns an authentication
// result to the surrounding authentication framework.
//
// # Authentication Flow
//
// Each Authenticate call runs the same strictly ordered pipeline: the
// client credential is verified first, then the token fingerprint is looked
// up in the realm's bounded TTL cache, and only on a miss is the JWT
// cryptographically validated, its claims parsed, and roles resolved via
// either the configured [RoleMapper] or delegated authorization against
// other realms. Successful users are cached keyed by the SHA-256
// fingerprint of the raw token bytes; the fingerprint is never logged.
//
// # Lifecycle
//
// A realm is constructed from a [Config], wired to delegated authorization
// with a single Initialize call, serves Authenticate/Expire/ExpireAll/
// LookupUser/UsageStats, and is shut down with Close. The token cache
// lives for the realm's lifetime and is invalidated whenever the token
// authenticator observes a key-material change.
//
// # Concurrency
//
// The realm is safe for concurrent use. Concurrent Authenticate calls for
// the same token validate independently; the cache converges because all
// successful outcomes for the same JWT produce equal entries.
package realm
