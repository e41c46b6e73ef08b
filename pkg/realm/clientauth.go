package realm

import (
	"crypto/subtle"

	caerr "github.com/clearauth/clearauth-core/pkg/errors"
)

// ClientAuthenticationType selects how the realm verifies the client that
// forwarded the bearer credential, orthogonally to the JWT itself.
type ClientAuthenticationType string

const (
	// ClientAuthenticationNone disables client authentication. A client
	// presenting a secret anyway is rejected, since it indicates a
	// misconfigured client.
	ClientAuthenticationNone ClientAuthenticationType = "none"

	// ClientAuthenticationSharedSecret requires every client to present
	// the configured shared secret, compared in constant time.
	ClientAuthenticationSharedSecret ClientAuthenticationType = "shared_secret"
)

// ClientAuthenticationConfig holds the client-authentication scheme and
// the shared secret required by the shared_secret scheme.
type ClientAuthenticationConfig struct {
	Type         ClientAuthenticationType `env:"TYPE" envDefault:"shared_secret" yaml:"type" json:"type"`
	SharedSecret Secret                   `env:"SHARED_SECRET" yaml:"shared_secret" json:"-"`
}

// validateClientAuthenticationSettings checks the scheme and secret for
// compatibility at construction time.
func validateClientAuthenticationSettings(cfg ClientAuthenticationConfig) error {
	switch cfg.Type {
	case ClientAuthenticationNone:
		if !cfg.SharedSecret.IsEmpty() {
			return caerr.Newf(caerr.CodeConfiguration,
				"realm: client authentication shared secret is configured but the type is %q; set the type to %q or remove the secret",
				ClientAuthenticationNone, ClientAuthenticationSharedSecret)
		}
	case ClientAuthenticationSharedSecret:
		if cfg.SharedSecret.IsEmpty() {
			return caerr.Newf(caerr.CodeConfigurationRequired,
				"realm: client authentication type %q requires a shared secret", ClientAuthenticationSharedSecret)
		}
	default:
		return caerr.Newf(caerr.CodeConfiguration,
			"realm: unsupported client authentication type %q", cfg.Type)
	}
	return nil
}

// validateClientAuthentication verifies the presented client secret
// against the configured scheme. Returned errors never contain the
// configured secret.
func validateClientAuthentication(cfg ClientAuthenticationConfig, presented Secret) error {
	switch cfg.Type {
	case ClientAuthenticationNone:
		if !presented.IsEmpty() {
			return caerr.Newf(caerr.CodeClientAuthenticationUnexpected,
				"realm: client authentication is disabled but a client secret was presented")
		}
		return nil
	case ClientAuthenticationSharedSecret:
		if presented.IsEmpty() {
			return caerr.New(caerr.CodeClientAuthenticationMissing,
				"realm: client authentication requires a shared secret but none was presented")
		}
		if subtle.ConstantTimeCompare([]byte(cfg.SharedSecret.Value()), []byte(presented.Value())) != 1 {
			return caerr.New(caerr.CodeClientAuthenticationMismatch,
				"realm: presented client secret does not match")
		}
		return nil
	default:
		return caerr.Newf(caerr.CodeClientAuthentication,
			"realm: unsupported client authentication type %q", cfg.Type)
	}
}
