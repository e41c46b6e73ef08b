package realm

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"

	caerr "github.com/clearauth/clearauth-core/pkg/errors"
)

// TokenType tags which grant produced the JWTs this realm accepts. The tag
// is surfaced in user metadata under jwt_token_type and selects the
// fallback claim names used by claim parsers.
type TokenType string

const (
	// TokenTypeIDToken accepts OIDC ID tokens.
	TokenTypeIDToken TokenType = "id_token"

	// TokenTypeAccessToken accepts OAuth2 access tokens, which may carry
	// the client identity in client_id rather than sub.
	TokenTypeAccessToken TokenType = "access_token"
)

// maxTokenSize is the maximum accepted size for a serialized JWT (8 KB).
// Larger tokens are rejected as malformed before parsing to prevent
// resource exhaustion.
const maxTokenSize = 8192

// HTTPClient abstracts the HTTP client used for fetching JWKS documents,
// allowing callers to supply clients with custom timeouts, transports, or
// middleware. The standard [http.Client] satisfies this interface.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// KeyRotationHook is invoked exactly once per observed key-material change
// (a JWKS refresh replacing keys, or a symmetric-key rotation). The realm
// registers its cache invalidation as the hook.
type KeyRotationHook func()

// AuthenticatorConfig holds the immutable validation policy of a
// [TokenAuthenticator]: expected issuer and audiences, the signing
// algorithm allow-list, the key sources, and the clock-skew tolerance.
type AuthenticatorConfig struct {
	// TokenType tags the accepted token flavor. Defaults to id_token.
	TokenType TokenType `env:"TOKEN_TYPE" envDefault:"id_token" yaml:"token_type" json:"token_type"`

	// Issuer is the exact value the iss claim must equal.
	Issuer string `env:"ISSUER" yaml:"issuer" json:"issuer" required:"true"`

	// Audiences are the accepted aud values; the token's aud claim must
	// intersect this set.
	Audiences []string `env:"AUDIENCES" yaml:"audiences" json:"audiences"`

	// AllowedAlgorithms restricts accepted JWS algorithms. "none" is
	// never allowed. Defaults to RS256.
	AllowedAlgorithms []string `env:"ALLOWED_ALGORITHMS" envDefault:"RS256" yaml:"allowed_algorithms" json:"allowed_algorithms"`

	// HMACKey verifies HS256/HS384/HS512 signatures. Must be at least 32
	// bytes when an HS algorithm is allowed.
	HMACKey Secret `env:"HMAC_KEY" yaml:"hmac_key" json:"-"`

	// JWKSURL is the endpoint serving the JSON Web Key Set used to verify
	// RS/ES/PS signatures. Required when a non-HS algorithm is allowed.
	JWKSURL string `env:"JWKS_URL" yaml:"jwks_url" json:"jwks_url,omitempty"`

	// JWKSCacheTTL is how long a fetched JWKS is served before being
	// refreshed. Defaults to 1 hour.
	JWKSCacheTTL time.Duration `env:"JWKS_CACHE_TTL" envDefault:"1h" yaml:"jwks_cache_ttl" json:"jwks_cache_ttl"`

	// ClockSkew is the tolerance applied to exp and nbf. Defaults to 60s.
	ClockSkew time.Duration `env:"ALLOWED_CLOCK_SKEW" envDefault:"60s" yaml:"allowed_clock_skew" json:"allowed_clock_skew"`

	// HTTPClient performs JWKS fetches. If nil, a default client with a
	// 10-second timeout is used.
	HTTPClient HTTPClient `yaml:"-" json:"-"`
}

// isHMACAlgorithm partitions the supported JWS algorithms by key source:
// HS* algorithms use the HMAC key, all others use JWKS keys.
func isHMACAlgorithm(alg string) bool { return strings.HasPrefix(alg, "HS") }

// Validate checks the configuration for logical correctness.
//
// Validation rules:
//   - Issuer must not be empty
//   - At least one audience must be configured
//   - At least one algorithm must be allowed; "none" is rejected
//   - If an HS algorithm is allowed, HMACKey must be at least 32 bytes
//   - If a non-HS algorithm is allowed, JWKSURL must not be empty
//   - JWKSCacheTTL and ClockSkew must be non-negative
func (c *AuthenticatorConfig) Validate() error {
	if c.TokenType != TokenTypeIDToken && c.TokenType != TokenTypeAccessToken {
		return caerr.Newf(caerr.CodeConfiguration, "realm: unsupported token type %q", c.TokenType)
	}
	if c.Issuer == "" {
		return caerr.New(caerr.CodeConfigurationRequired, "realm: issuer must not be empty")
	}
	if len(c.Audiences) == 0 {
		return caerr.New(caerr.CodeConfigurationRequired, "realm: at least one audience must be configured")
	}
	if len(c.AllowedAlgorithms) == 0 {
		return caerr.New(caerr.CodeConfigurationRequired, "realm: at least one signing algorithm must be allowed")
	}

	var hasHMAC, hasPKI bool
	for _, alg := range c.AllowedAlgorithms {
		if strings.EqualFold(alg, "none") {
			return caerr.New(caerr.CodeConfiguration, `realm: algorithm "none" is not permitted`)
		}
		if isHMACAlgorithm(alg) {
			hasHMAC = true
		} else {
			hasPKI = true
		}
	}
	if hasHMAC && len(c.HMACKey.Value()) < 32 {
		return caerr.New(caerr.CodeConfiguration,
			"realm: HMAC signing key must be at least 32 bytes when an HS algorithm is allowed")
	}
	if hasPKI && c.JWKSURL == "" {
		return caerr.New(caerr.CodeConfigurationRequired,
			"realm: a JWKS URL is required when a non-HS algorithm is allowed")
	}
	if c.JWKSCacheTTL < 0 {
		return caerr.New(caerr.CodeConfiguration, "realm: JWKS cache TTL must be non-negative")
	}
	if c.ClockSkew < 0 {
		return caerr.New(caerr.CodeConfiguration, "realm: allowed clock skew must be non-negative")
	}
	return nil
}

// tracerName is the OpenTelemetry instrumentation scope name for realm spans.
const tracerName = "github.com/clearauth/clearauth-core/pkg/realm"

// tokenAuthenticator is the validation surface the realm consumes,
// satisfied by [TokenAuthenticator].
type tokenAuthenticator interface {
	Authenticate(ctx context.Context, signedJWT Secret) (*ClaimsSet, error)
	FallbackClaimNames() map[string][]string
	TokenTypeTag() string
	ClockSkew() time.Duration
	Close()
}

// TokenAuthenticator parses a serialized JWT, verifies its signature
// against the configured key material (a symmetric HMAC key and/or
// asymmetric keys fetched from a JWKS endpoint), and verifies the standard
// temporal and identity claims. Whenever it observes that its key material
// has changed it invokes the [KeyRotationHook] supplied at construction.
//
// TokenAuthenticator is safe for concurrent use by multiple goroutines.
type TokenAuthenticator struct {
	config     AuthenticatorConfig
	logger     *slog.Logger
	httpClient HTTPClient
	jwks       *jwksKeyCache

	hmacMu  sync.RWMutex
	hmacKey Secret

	onKeysChanged KeyRotationHook
}

// NewTokenAuthenticator validates the configuration and builds an
// authenticator. onKeysChanged may be nil when no cache invalidation is
// needed.
func NewTokenAuthenticator(cfg AuthenticatorConfig, logger *slog.Logger, onKeysChanged KeyRotationHook) (*TokenAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	if onKeysChanged == nil {
		onKeysChanged = func() {}
	}

	a := &TokenAuthenticator{
		config:        cfg,
		logger:        logger,
		httpClient:    httpClient,
		hmacKey:       cfg.HMACKey,
		onKeysChanged: onKeysChanged,
	}
	if cfg.JWKSURL != "" {
		a.jwks = &jwksKeyCache{
			url:      cfg.JWKSURL,
			ttl:      cfg.JWKSCacheTTL,
			client:   httpClient,
			logger:   logger,
			onRotate: func() { a.onKeysChanged() },
		}
	}
	return a, nil
}

// Authenticate verifies the serialized JWT and returns its claims set.
//
// Checks, in order: token size, allowed algorithm, signature, exp (with
// positive skew), nbf (with negative skew), issuer equality, audience
// intersection. Failures are returned as coded errors; see pkg/errors.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, signedJWT Secret) (*ClaimsSet, error) {
	ctx, span := startSpan(ctx, "realm.ValidateToken")
	defer span.End()

	tokenStr := signedJWT.Value()
	if tokenStr == "" {
		err := caerr.New(caerr.CodeAuthenticationMalformed, "realm: token must not be empty")
		finishSpan(span, err)
		return nil, err
	}
	if len(tokenStr) > maxTokenSize {
		err := caerr.New(caerr.CodeAuthenticationMalformed, "realm: token exceeds maximum size")
		finishSpan(span, err)
		return nil, err
	}

	// Inspect the header before verification so a disallowed algorithm is
	// reported as such rather than as a generic signature failure.
	unverified, _, err := jwt.NewParser().ParseUnverified(tokenStr, jwt.MapClaims{})
	if err != nil || unverified == nil {
		classified := caerr.Wrap(err, caerr.CodeAuthenticationMalformed, "realm: token is malformed")
		finishSpan(span, classified)
		return nil, classified
	}
	if alg, _ := unverified.Header["alg"].(string); !a.algorithmAllowed(alg) {
		classified := caerr.Newf(caerr.CodeAuthenticationAlgorithm,
			"realm: signing algorithm %q is not allowed", alg)
		finishSpan(span, classified)
		return nil, classified
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.config.AllowedAlgorithms),
		jwt.WithLeeway(a.config.ClockSkew),
		jwt.WithExpirationRequired(),
	)

	token, err := parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if isHMACAlgorithm(t.Method.Alg()) {
			a.hmacMu.RLock()
			key := a.hmacKey
			a.hmacMu.RUnlock()
			return []byte(key.Value()), nil
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, caerr.New(caerr.CodeAuthenticationSignature, "realm: token header has no kid")
		}
		return a.jwks.getKey(ctx, kid)
	})
	if err != nil {
		classified := classifyTokenError(err)
		finishSpan(span, classified)
		return nil, classified
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		err := caerr.New(caerr.CodeAuthenticationMalformed, "realm: unable to extract token claims")
		finishSpan(span, err)
		return nil, err
	}
	claims := NewClaimsSet(map[string]any(mc))

	if iss := claims.Issuer(); iss != a.config.Issuer {
		err := caerr.Newf(caerr.CodeAuthenticationIssuer,
			"realm: token issuer %q does not match the configured issuer", iss)
		finishSpan(span, err)
		return nil, err
	}
	if !audIntersects(claims.Audiences(), a.config.Audiences) {
		err := caerr.New(caerr.CodeAuthenticationAudience,
			"realm: token audience does not intersect the configured audiences")
		finishSpan(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("auth.token_type", string(a.config.TokenType)))
	return claims, nil
}

func (a *TokenAuthenticator) algorithmAllowed(alg string) bool {
	for _, allowed := range a.config.AllowedAlgorithms {
		if alg == allowed {
			return true
		}
	}
	return false
}

// FallbackClaimNames maps claim-parser setting names to the ordered
// standard-claim aliases tried when the realm configures no claim name.
// Access tokens may identify the subject via client_id when sub is absent
// from client-credentials grants.
func (a *TokenAuthenticator) FallbackClaimNames() map[string][]string {
	switch a.config.TokenType {
	case TokenTypeAccessToken:
		return map[string][]string{
			"principal": {"sub", "client_id"},
			"mail":      {"email"},
		}
	default:
		return map[string][]string{
			"principal": {"sub"},
			"mail":      {"email"},
		}
	}
}

// TokenTypeTag returns the tag surfaced in user metadata under
// jwt_token_type.
func (a *TokenAuthenticator) TokenTypeTag() string { return string(a.config.TokenType) }

// ClockSkew returns the configured clock-skew tolerance.
func (a *TokenAuthenticator) ClockSkew() time.Duration { return a.config.ClockSkew }

// RotateHMACKey replaces the symmetric verification key. If the key
// actually changes, the key-rotation hook fires once.
func (a *TokenAuthenticator) RotateHMACKey(key Secret) {
	a.hmacMu.Lock()
	changed := a.hmacKey.Value() != key.Value()
	a.hmacKey = key
	a.hmacMu.Unlock()

	if changed {
		a.onKeysChanged()
	}
}

// Close releases the HTTP client used for JWKS fetches.
func (a *TokenAuthenticator) Close() {
	if hc, ok := a.httpClient.(*http.Client); ok {
		hc.CloseIdleConnections()
	}
}

// classifyTokenError converts a JWT library error or other error to an
// appropriate coded error. Errors already carrying a code pass through
// unchanged.
func classifyTokenError(err error) *caerr.Error {
	if err == nil {
		return nil
	}
	if e, ok := caerr.AsError(err); ok {
		return e
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return caerr.Wrap(err, caerr.CodeAuthenticationExpired, "realm: token has expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return caerr.Wrap(err, caerr.CodeAuthenticationNotYetValid, "realm: token is not valid yet")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return caerr.Wrap(err, caerr.CodeAuthenticationMalformed, "realm: token is malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return caerr.Wrap(err, caerr.CodeAuthenticationSignature, "realm: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return caerr.Wrap(err, caerr.CodeAuthenticationSignature, "realm: token is unverifiable")
	default:
		return caerr.Wrap(err, caerr.CodeAuthentication, "realm: token validation failed")
	}
}

// audIntersects reports whether any presented audience is in the accepted
// set.
func audIntersects(presented, accepted []string) bool {
	for _, p := range presented {
		for _, a := range accepted {
			if p == a {
				return true
			}
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// jwksKeyCache — cached JWKS public keys with rotation detection
// ---------------------------------------------------------------------------

// jwksKeyCache caches the JSON Web Key Set fetched from the configured
// endpoint. Keys are refreshed after the TTL expires, or eagerly when a
// token references an unknown kid (key rotation). When a refresh replaces
// the key set, the rotation hook fires exactly once for that refresh.
type jwksKeyCache struct {
	mu        sync.RWMutex
	keys      map[string]any // kid -> *rsa.PublicKey or *ecdsa.PublicKey
	fetchedAt time.Time

	url      string
	ttl      time.Duration
	client   HTTPClient
	logger   *slog.Logger
	onRotate func()
}

// getKey returns the public key for the kid, refreshing the JWKS if the
// cache is stale or the kid is unknown.
func (c *jwksKeyCache) getKey(ctx context.Context, kid string) (any, error) {
	c.mu.RLock()
	fresh := c.keys != nil && time.Since(c.fetchedAt) < c.ttl
	key, exists := c.keys[kid]
	c.mu.RUnlock()

	if fresh && exists {
		return key, nil
	}
	// Stale cache, or an unknown kid that may be a rotated key.
	return c.refresh(ctx, kid)
}

// refresh fetches the JWKS, detects key-set changes, and returns the key
// for the kid.
func (c *jwksKeyCache) refresh(ctx context.Context, kid string) (any, error) {
	keys, err := fetchJWKS(ctx, c.client, c.url)
	if err != nil {
		return nil, caerr.Wrapf(err, caerr.CodeUnavailableKeySource,
			"realm: failed to fetch JWKS from %q", c.url)
	}

	c.mu.Lock()
	rotated := c.keys != nil && keySetChanged(c.keys, keys)
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	if rotated {
		c.logger.Debug("realm: JWKS key material changed, invalidating caches", "jwks_url", c.url)
		c.onRotate()
	}

	key, exists := keys[kid]
	if !exists {
		return nil, caerr.Newf(caerr.CodeAuthenticationSignature,
			"realm: key ID %q not found in JWKS", kid)
	}
	return key, nil
}

// keySetChanged reports whether the set of key IDs differs, or whether any
// key ID now maps to a different public key.
func keySetChanged(old, refreshed map[string]any) bool {
	if len(old) != len(refreshed) {
		return true
	}
	for kid, oldKey := range old {
		newKey, ok := refreshed[kid]
		if !ok {
			return true
		}
		if k, ok := oldKey.(interface{ Equal(crypto.PublicKey) bool }); ok && !k.Equal(newKey) {
			return true
		}
	}
	return false
}

// jwksResponse represents the JSON structure of a JWKS endpoint response.
type jwksResponse struct {
	Keys []jwkKey `json:"keys"`
}

// jwkKey represents a single key in a JWKS response. Only the fields
// needed for RSA and EC key reconstruction are included.
type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	// RSA fields
	N string `json:"n"`
	E string `json:"e"`
	// EC fields
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// fetchJWKS makes an HTTP GET request to the JWKS URL, parses the
// response, and constructs a map of key ID to public key. Supports RSA and
// ECDSA (P-256, P-384, P-521) key types. The response body is limited to
// 1 MB to prevent resource exhaustion.
func fetchJWKS(ctx context.Context, client HTTPClient, jwksURL string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("realm: failed to create JWKS request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("realm: JWKS request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("realm: JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("realm: failed to read JWKS response: %w", err)
	}

	var jwks jwksResponse
	if err := json.Unmarshal(body, &jwks); err != nil {
		return nil, fmt.Errorf("realm: failed to parse JWKS JSON: %w", err)
	}

	keys := make(map[string]any, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kid == "" {
			continue
		}
		switch k.Kty {
		case "RSA":
			pubKey, err := parseRSAPublicKey(k.N, k.E)
			if err != nil {
				continue // Skip malformed keys.
			}
			keys[k.Kid] = pubKey
		case "EC":
			pubKey, err := parseECPublicKey(k.Crv, k.X, k.Y)
			if err != nil {
				continue // Skip malformed keys.
			}
			keys[k.Kid] = pubKey
		}
	}
	return keys, nil
}

// parseRSAPublicKey constructs an *rsa.PublicKey from base64url-encoded
// modulus (n) and exponent (e) values.
func parseRSAPublicKey(nBase64, eBase64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nBase64)
	if err != nil {
		return nil, fmt.Errorf("realm: failed to decode RSA modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eBase64)
	if err != nil {
		return nil, fmt.Errorf("realm: failed to decode RSA exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{
		N: n,
		E: int(e.Int64()),
	}, nil
}

// parseECPublicKey constructs an *ecdsa.PublicKey from a curve name and
// base64url-encoded x and y coordinates.
func parseECPublicKey(crv, xBase64, yBase64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("realm: unsupported EC curve %q", crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(xBase64)
	if err != nil {
		return nil, fmt.Errorf("realm: failed to decode EC x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yBase64)
	if err != nil {
		return nil, fmt.Errorf("realm: failed to decode EC y coordinate: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
