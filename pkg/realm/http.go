package realm

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	caerr "github.com/clearauth/clearauth-core/pkg/errors"
)

// Header and scheme names for the two credentials a request may carry.
const (
	// HeaderEndUserAuthentication carries the end user's bearer JWT.
	HeaderEndUserAuthentication = "Authorization"

	// HeaderClientAuthentication carries the forwarding client's secret.
	HeaderClientAuthentication = "ES-Client-Authentication"

	// SchemeBearer prefixes the end-user credential.
	SchemeBearer = "Bearer"

	// SchemeSharedSecret prefixes the client credential.
	SchemeSharedSecret = "SharedSecret"
)

// ExtractBearerToken returns the JWT from an Authorization header value,
// or "" when the header is absent or uses a different scheme.
func ExtractBearerToken(header string) string {
	return extractScheme(header, SchemeBearer)
}

// ExtractSharedSecret returns the client secret from an
// ES-Client-Authentication header value, or "" when the header is absent
// or uses a different scheme.
func ExtractSharedSecret(header string) string {
	return extractScheme(header, SchemeSharedSecret)
}

func extractScheme(header, scheme string) string {
	if len(header) <= len(scheme)+1 {
		return ""
	}
	if !strings.EqualFold(header[:len(scheme)], scheme) || header[len(scheme)] != ' ' {
		return ""
	}
	return strings.TrimSpace(header[len(scheme)+1:])
}

// TokenFromHeaders builds a [BearerToken] from the two header values.
// Returns false when no bearer credential is present.
func TokenFromHeaders(authorization, clientAuthentication string) (*BearerToken, bool) {
	jwt := ExtractBearerToken(authorization)
	if jwt == "" {
		return nil, false
	}
	return NewBearerToken(Secret(jwt), Secret(ExtractSharedSecret(clientAuthentication))), true
}

// HTTPMiddleware returns an HTTP middleware that authenticates incoming
// requests against the realm.
//
// The middleware performs the following steps:
//  1. Extracts the bearer JWT from the Authorization header and the
//     optional client secret from the ES-Client-Authentication header
//  2. Authenticates the resulting token via [Realm.Authenticate]
//  3. Stores the resulting [User] in the request context
//  4. Passes the enriched request to the next handler
//
// Requests without a bearer credential, or whose authentication is
// unsuccessful, receive HTTP 401 without detail. Infrastructure failures
// receive the status derived from the error code.
func HTTPMiddleware(r *Realm) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			token, ok := TokenFromHeaders(
				req.Header.Get(HeaderEndUserAuthentication),
				req.Header.Get(HeaderClientAuthentication),
			)
			if !ok {
				http.Error(w, "missing or invalid authorization header", http.StatusUnauthorized)
				return
			}

			ctx := req.Context()
			result, err := authenticateBlocking(ctx, r, token)
			if err != nil {
				slog.WarnContext(ctx, "realm: authentication infrastructure failure", "error", err)
				http.Error(w, "authentication failed", httpStatusFor(err))
				return
			}
			if !result.Authenticated() {
				http.Error(w, "authentication failed", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, req.WithContext(ContextWithUser(ctx, result.User())))
		})
	}
}

// httpStatusFor maps an infrastructure error to a response status.
func httpStatusFor(err error) int {
	if e, ok := caerr.AsError(err); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// authenticateBlocking adapts the realm's listener-style Authenticate to a
// synchronous call for transports that block per request.
func authenticateBlocking(ctx context.Context, r *Realm, token Token) (Result, error) {
	type outcome struct {
		result Result
		err    error
	}
	ch := make(chan outcome, 1)
	r.Authenticate(ctx, token, NewListener(
		func(result Result) { ch <- outcome{result: result} },
		func(err error) { ch <- outcome{err: err} },
	))
	o := <-ch
	return o.result, o.err
}
