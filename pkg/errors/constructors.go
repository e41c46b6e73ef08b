package errors

import "fmt"

// New creates a new Error with the specified code and message.
// Use this for creating errors without an underlying cause.
//
// Example:
//
//	err := errors.New(errors.CodeClaimMissing, "no principal claim configured")
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with the specified code and formatted message.
// Use this for creating errors with dynamic content in the message.
//
// Example:
//
//	err := errors.Newf(errors.CodeNotFoundUser, "user %q not found", principal)
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context. The wrapped error
// becomes the Cause of the new error. If err is nil, Wrap returns nil.
//
// Example:
//
//	claims, err := authenticator.Authenticate(ctx, token)
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeAuthentication, "JWT validation failed")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with a formatted message. The wrapped error
// becomes the Cause of the new error. If err is nil, Wrapf returns nil.
//
// Example:
//
//	err := errors.Wrapf(err, errors.CodeUnavailableKeySource, "failed to fetch JWKS from %q", url)
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Configuration creates a new configuration error. This is a convenience
// function equivalent to New(CodeConfiguration, message).
func Configuration(message string) *Error {
	return New(CodeConfiguration, message)
}

// Internal creates a new internal error. This is a convenience function
// equivalent to New(CodeInternal, message).
func Internal(message string) *Error {
	return New(CodeInternal, message)
}
