package errors

import (
	"errors"
	"strings"
)

// AsError attempts to convert an error to an *Error. Returns the Error and
// true if successful, nil and false otherwise. This function traverses the
// error chain using errors.As.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the error code from an error. If the error is not an
// *Error or is nil, returns an empty string.
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode checks if an error has the specified error code.
// Returns false if the error is nil or not an *Error.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

// hasCategory reports whether the error's code belongs to the given
// category prefix.
func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	return strings.HasPrefix(string(e.Code), category+"_")
}

// IsValidation checks if the error is a validation error (VAL_xxx).
func IsValidation(err error) bool {
	return hasCategory(err, "VAL")
}

// IsConfiguration checks if the error is a configuration error (CFG_xxx).
// Configuration errors are fatal at construction time.
func IsConfiguration(err error) bool {
	return hasCategory(err, "CFG")
}

// IsAuthentication checks if the error is a token authentication error
// (AUTH_xxx). Authentication errors become unsuccessful results.
func IsAuthentication(err error) bool {
	return hasCategory(err, "AUTH")
}

// IsClientAuthentication checks if the error is a client authentication
// error (CLIENT_xxx).
func IsClientAuthentication(err error) bool {
	return hasCategory(err, "CLIENT")
}

// IsClaim checks if the error is a claim extraction error (CLAIM_xxx).
func IsClaim(err error) bool {
	return hasCategory(err, "CLAIM")
}

// IsAuthorization checks if the error is an authorization error (AUTHZ_xxx).
func IsAuthorization(err error) bool {
	return hasCategory(err, "AUTHZ")
}

// IsNotFound checks if the error is a not found error (NF_xxx).
func IsNotFound(err error) bool {
	return hasCategory(err, "NF")
}

// IsInternal checks if the error is an internal error (INT_xxx).
// Internal errors propagate through the listener failure channel rather
// than becoming unsuccessful results.
func IsInternal(err error) bool {
	return hasCategory(err, "INT")
}

// IsUnavailable checks if the error is an unavailable error (UNAVAIL_xxx).
func IsUnavailable(err error) bool {
	return hasCategory(err, "UNAVAIL")
}
