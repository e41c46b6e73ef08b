package realm

import (
	"crypto/sha256"
	"encoding/hex"
)

// secretRedacted is the placeholder text shown instead of the actual secret
// value when a secret is printed, formatted, or serialized.
const secretRedacted = "[REDACTED]"

// Secret is a string type that redacts its value in String(), GoString(),
// and MarshalText() to prevent accidental exposure in logs, JSON output, or
// fmt.Printf. The actual value is only accessible via the [Secret.Value]
// method, which should be called only where the raw value is truly needed
// (e.g., passing to a cryptographic function).
type Secret string

// String returns the redacted placeholder, preventing the secret from being
// printed via fmt.Println, log.Printf, or similar functions.
func (s Secret) String() string { return secretRedacted }

// GoString returns the redacted placeholder, preventing the secret from
// being printed via fmt.Printf("%#v", secret).
func (s Secret) GoString() string { return secretRedacted }

// Value returns the actual secret string. This is the only way to access
// the underlying value.
func (s Secret) Value() string { return string(s) }

// IsEmpty reports whether the secret holds no value.
func (s Secret) IsEmpty() bool { return len(s) == 0 }

// MarshalText implements [encoding.TextMarshaler], returning the redacted
// placeholder so the secret never leaks into JSON, YAML, or any other
// text-based serialization.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// Token is a credential extracted from a request by a transport adapter.
// The realm only authenticates tokens whose concrete type it supports.
type Token interface {
	// Principal returns a display identifier for the token, safe for
	// logging. It is not the authenticated principal.
	Principal() string
}

// BearerToken carries a serialized JWT bearer credential and an optional
// client-authentication secret. The serialized JWT is treated as a secret:
// only its SHA-256-derived display principal ever appears in logs.
type BearerToken struct {
	principal    string
	signedJWT    Secret
	clientSecret Secret
}

// NewBearerToken builds a BearerToken from the serialized JWT and an
// optional client-authentication secret (empty when the client presented
// none).
func NewBearerToken(signedJWT, clientSecret Secret) *BearerToken {
	sum := sha256.Sum256([]byte(signedJWT.Value()))
	return &BearerToken{
		// Short digest prefix identifying the token in logs without
		// revealing any token bytes.
		principal:    "token-" + hex.EncodeToString(sum[:])[:16],
		signedJWT:    signedJWT,
		clientSecret: clientSecret,
	}
}

// Principal returns the loggable display identifier for this token.
func (t *BearerToken) Principal() string { return t.principal }

// SignedJWT returns the serialized JWT.
func (t *BearerToken) SignedJWT() Secret { return t.signedJWT }

// ClientSecret returns the client-authentication secret presented alongside
// the bearer credential, or an empty Secret when none was presented.
func (t *BearerToken) ClientSecret() Secret { return t.clientSecret }

// fingerprint computes the 32-byte cache key for a serialized JWT: the
// SHA-256 digest of the raw token bytes.
func fingerprint(signedJWT Secret) [sha256.Size]byte {
	return sha256.Sum256([]byte(signedJWT.Value()))
}
