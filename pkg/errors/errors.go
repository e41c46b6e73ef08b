// Package errors provides standardized error types and error handling
// utilities for clearauth libraries. It defines the error categories an
// authentication realm produces, machine-readable error codes, and helper
// functions for creating, wrapping, and inspecting errors.
//
// # Error Categories
//
// The package defines categories that map to the realm's failure scenarios:
//
//   - Validation errors: invalid input, missing required fields
//   - Configuration errors: invalid or incompatible realm settings (fatal at construction)
//   - Authentication errors: malformed, expired, or unverifiable tokens
//   - Client authentication errors: missing or mismatched client credentials
//   - Claim errors: missing principal, wrong claim shape
//   - Authorization errors: delegated role resolution failures
//   - NotFound errors: user or realm does not exist
//   - Internal errors: invariant violations, unexpected system failures
//   - Unavailable errors: key endpoint or dependency unreachable
//
// # Error Codes
//
// Each error includes a machine-readable code (e.g., "AUTH_002") usable for
// error tracking, alerting, and client-side handling. Codes follow the
// pattern CATEGORY_XXX where CATEGORY is a short identifier and XXX is a
// numeric code.
//
// # Usage
//
// Create a new error with context:
//
//	err := errors.New(errors.CodeConfiguration, "client authentication shared secret is required")
//
// Wrap an existing error:
//
//	err := errors.Wrap(err, errors.CodeAuthenticationMalformed, "token could not be parsed")
//
// Check error category:
//
//	if errors.IsAuthentication(err) {
//	    // surface as an unsuccessful authentication result
//	}
package errors
