package realm

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	caerr "github.com/clearauth/clearauth-core/pkg/errors"
)

// testHMACKey is a 32-byte HMAC key used across token tests.
const testHMACKey = "this-is-a-32-byte-test-signing-k"

const (
	testIssuer   = "https://issuer.example.com"
	testAudience = "https://service.example.com"
)

// hmacAuthenticatorConfig returns a config accepting HS256 tokens from the
// test issuer.
func hmacAuthenticatorConfig() AuthenticatorConfig {
	return AuthenticatorConfig{
		TokenType:         TokenTypeIDToken,
		Issuer:            testIssuer,
		Audiences:         []string{testAudience},
		AllowedAlgorithms: []string{"HS256"},
		HMACKey:           testHMACKey,
		JWKSCacheTTL:      time.Hour,
		ClockSkew:         time.Minute,
	}
}

// signHMACToken creates an HS256-signed JWT with the given claims.
func signHMACToken(t *testing.T, claims jwt.MapClaims) Secret {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString([]byte(testHMACKey))
	require.NoError(t, err, "failed to sign HMAC token")
	return Secret(tokenStr)
}

// validClaims returns a claims set that passes every check of the HMAC
// test authenticator.
func validClaims(sub string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": sub,
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
	}
}

// signRSAToken creates an RS256-signed JWT with the given claims and kid.
func signRSAToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) Secret {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	tokenStr, err := token.SignedString(key)
	require.NoError(t, err, "failed to sign RSA token")
	return Secret(tokenStr)
}

// jwksServer serves a mutable JWKS document of RSA public keys keyed by
// kid, and counts fetches.
type jwksServer struct {
	*httptest.Server
	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetches atomic.Int64
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: map[string]*rsa.PublicKey{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		type jwkEntry struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Alg string `json:"alg"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		}
		s.mu.Lock()
		entries := make([]jwkEntry, 0, len(s.keys))
		for kid, pub := range s.keys {
			entries = append(entries, jwkEntry{
				Kty: "RSA",
				Kid: kid,
				Alg: "RS256",
				Use: "sig",
				N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			})
		}
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": entries})
	}))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *jwksServer) setKey(kid string, pub *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = map[string]*rsa.PublicKey{kid: pub}
}

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key pair")
	return key
}

func TestAuthenticatorConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AuthenticatorConfig)
		wantErr bool
	}{
		{"valid hmac config", func(c *AuthenticatorConfig) {}, false},
		{"bad token type", func(c *AuthenticatorConfig) { c.TokenType = "refresh_token" }, true},
		{"missing issuer", func(c *AuthenticatorConfig) { c.Issuer = "" }, true},
		{"missing audiences", func(c *AuthenticatorConfig) { c.Audiences = nil }, true},
		{"missing algorithms", func(c *AuthenticatorConfig) { c.AllowedAlgorithms = nil }, true},
		{"alg none rejected", func(c *AuthenticatorConfig) { c.AllowedAlgorithms = []string{"none"} }, true},
		{"short hmac key", func(c *AuthenticatorConfig) { c.HMACKey = "short" }, true},
		{"pki without jwks url", func(c *AuthenticatorConfig) { c.AllowedAlgorithms = []string{"RS256"} }, true},
		{"negative skew", func(c *AuthenticatorConfig) { c.ClockSkew = -time.Second }, true},
		{"negative jwks ttl", func(c *AuthenticatorConfig) { c.JWKSCacheTTL = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := hmacAuthenticatorConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, caerr.IsConfiguration(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTokenAuthenticator_HMACHappyPath(t *testing.T) {
	a, err := NewTokenAuthenticator(hmacAuthenticatorConfig(), nil, nil)
	require.NoError(t, err)
	defer a.Close()

	claims, err := a.Authenticate(context.Background(), signHMACToken(t, validClaims("alice")))
	require.NoError(t, err)

	sub, _ := claims.Get("sub")
	assert.Equal(t, "alice", sub)
	assert.Equal(t, testIssuer, claims.Issuer())
}

func TestTokenAuthenticator_Failures(t *testing.T) {
	a, err := NewTokenAuthenticator(hmacAuthenticatorConfig(), nil, nil)
	require.NoError(t, err)
	defer a.Close()

	tests := []struct {
		name     string
		token    func(t *testing.T) Secret
		wantCode caerr.Code
	}{
		{
			name:     "empty token",
			token:    func(t *testing.T) Secret { return "" },
			wantCode: caerr.CodeAuthenticationMalformed,
		},
		{
			name:     "garbage token",
			token:    func(t *testing.T) Secret { return "not.a.jwt" },
			wantCode: caerr.CodeAuthenticationMalformed,
		},
		{
			name: "oversized token",
			token: func(t *testing.T) Secret {
				return Secret(strings.Repeat("a", maxTokenSize+1))
			},
			wantCode: caerr.CodeAuthenticationMalformed,
		},
		{
			name: "expired",
			token: func(t *testing.T) Secret {
				claims := validClaims("alice")
				claims["exp"] = time.Now().Add(-2 * time.Minute).Unix()
				return signHMACToken(t, claims)
			},
			wantCode: caerr.CodeAuthenticationExpired,
		},
		{
			name: "not yet valid",
			token: func(t *testing.T) Secret {
				claims := validClaims("alice")
				claims["nbf"] = time.Now().Add(10 * time.Minute).Unix()
				return signHMACToken(t, claims)
			},
			wantCode: caerr.CodeAuthenticationNotYetValid,
		},
		{
			name: "missing exp",
			token: func(t *testing.T) Secret {
				claims := validClaims("alice")
				delete(claims, "exp")
				return signHMACToken(t, claims)
			},
			wantCode: caerr.CodeAuthentication,
		},
		{
			name: "issuer mismatch",
			token: func(t *testing.T) Secret {
				claims := validClaims("alice")
				claims["iss"] = "https://other-issuer.example.com"
				return signHMACToken(t, claims)
			},
			wantCode: caerr.CodeAuthenticationIssuer,
		},
		{
			name: "audience mismatch",
			token: func(t *testing.T) Secret {
				claims := validClaims("alice")
				claims["aud"] = []string{"https://other.example.com"}
				return signHMACToken(t, claims)
			},
			wantCode: caerr.CodeAuthenticationAudience,
		},
		{
			name: "bad signature",
			token: func(t *testing.T) Secret {
				token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("alice"))
				tokenStr, err := token.SignedString([]byte("another-32-byte-signing-key-here"))
				require.NoError(t, err)
				return Secret(tokenStr)
			},
			wantCode: caerr.CodeAuthenticationSignature,
		},
		{
			name: "disallowed algorithm",
			token: func(t *testing.T) Secret {
				token := jwt.NewWithClaims(jwt.SigningMethodHS512, validClaims("alice"))
				tokenStr, err := token.SignedString([]byte(testHMACKey))
				require.NoError(t, err)
				return Secret(tokenStr)
			},
			wantCode: caerr.CodeAuthenticationAlgorithm,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), tt.token(t))
			require.Error(t, err)
			assert.True(t, caerr.HasCode(err, tt.wantCode),
				"want %s, got %s (%v)", tt.wantCode, caerr.GetCode(err), err)
		})
	}
}

func TestTokenAuthenticator_ClockSkewTolerance(t *testing.T) {
	a, err := NewTokenAuthenticator(hmacAuthenticatorConfig(), nil, nil)
	require.NoError(t, err)
	defer a.Close()

	// Expired 30s ago, within the 60s skew: accepted.
	claims := validClaims("alice")
	claims["exp"] = time.Now().Add(-30 * time.Second).Unix()
	_, err = a.Authenticate(context.Background(), signHMACToken(t, claims))
	assert.NoError(t, err)

	// nbf 30s in the future, within the skew: accepted.
	claims = validClaims("alice")
	claims["nbf"] = time.Now().Add(30 * time.Second).Unix()
	_, err = a.Authenticate(context.Background(), signHMACToken(t, claims))
	assert.NoError(t, err)
}

func TestTokenAuthenticator_JWKS(t *testing.T) {
	key := generateRSAKey(t)
	srv := newJWKSServer(t)
	srv.setKey("kid-1", &key.PublicKey)

	cfg := hmacAuthenticatorConfig()
	cfg.AllowedAlgorithms = []string{"RS256"}
	cfg.HMACKey = ""
	cfg.JWKSURL = srv.URL

	var rotations atomic.Int64
	a, err := NewTokenAuthenticator(cfg, nil, func() { rotations.Add(1) })
	require.NoError(t, err)
	defer a.Close()

	claims, err := a.Authenticate(context.Background(), signRSAToken(t, key, "kid-1", validClaims("alice")))
	require.NoError(t, err)
	sub, _ := claims.Get("sub")
	assert.Equal(t, "alice", sub)

	// The second call is served from the cached JWKS.
	_, err = a.Authenticate(context.Background(), signRSAToken(t, key, "kid-1", validClaims("bob")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), srv.fetches.Load())
	assert.Equal(t, int64(0), rotations.Load())
}

func TestTokenAuthenticator_JWKSRotationFiresHookOnce(t *testing.T) {
	oldKey := generateRSAKey(t)
	newKey := generateRSAKey(t)
	srv := newJWKSServer(t)
	srv.setKey("kid-old", &oldKey.PublicKey)

	cfg := hmacAuthenticatorConfig()
	cfg.AllowedAlgorithms = []string{"RS256"}
	cfg.HMACKey = ""
	cfg.JWKSURL = srv.URL

	var rotations atomic.Int64
	a, err := NewTokenAuthenticator(cfg, nil, func() { rotations.Add(1) })
	require.NoError(t, err)
	defer a.Close()

	// Prime the key cache with the old key.
	_, err = a.Authenticate(context.Background(), signRSAToken(t, oldKey, "kid-old", validClaims("alice")))
	require.NoError(t, err)

	// Rotate: a token referencing the unknown kid forces a refresh, which
	// observes the replaced key set and fires the hook exactly once.
	srv.setKey("kid-new", &newKey.PublicKey)
	_, err = a.Authenticate(context.Background(), signRSAToken(t, newKey, "kid-new", validClaims("alice")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rotations.Load())

	// Further validations with the current key do not refresh or rotate.
	_, err = a.Authenticate(context.Background(), signRSAToken(t, newKey, "kid-new", validClaims("bob")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rotations.Load())
}

func TestTokenAuthenticator_JWKSUnavailable(t *testing.T) {
	key := generateRSAKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cfg := hmacAuthenticatorConfig()
	cfg.AllowedAlgorithms = []string{"RS256"}
	cfg.HMACKey = ""
	cfg.JWKSURL = srv.URL

	a, err := NewTokenAuthenticator(cfg, nil, nil)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Authenticate(context.Background(), signRSAToken(t, key, "kid-1", validClaims("alice")))
	require.Error(t, err)
	assert.True(t, caerr.HasCode(err, caerr.CodeUnavailableKeySource),
		"got %s (%v)", caerr.GetCode(err), err)
}

func TestTokenAuthenticator_RotateHMACKey(t *testing.T) {
	var rotations atomic.Int64
	a, err := NewTokenAuthenticator(hmacAuthenticatorConfig(), nil, func() { rotations.Add(1) })
	require.NoError(t, err)
	defer a.Close()

	// Same key: no rotation event.
	a.RotateHMACKey(testHMACKey)
	assert.Equal(t, int64(0), rotations.Load())

	// New key: one rotation event, and old tokens stop verifying.
	token := signHMACToken(t, validClaims("alice"))
	a.RotateHMACKey("replacement-32-byte-signing-key!!")
	assert.Equal(t, int64(1), rotations.Load())

	_, err = a.Authenticate(context.Background(), token)
	require.Error(t, err)
	assert.True(t, caerr.HasCode(err, caerr.CodeAuthenticationSignature))
}

func TestTokenAuthenticator_FallbackClaimNames(t *testing.T) {
	idCfg := hmacAuthenticatorConfig()
	a, err := NewTokenAuthenticator(idCfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub"}, a.FallbackClaimNames()["principal"])
	assert.Equal(t, "id_token", a.TokenTypeTag())

	atCfg := hmacAuthenticatorConfig()
	atCfg.TokenType = TokenTypeAccessToken
	a, err = NewTokenAuthenticator(atCfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub", "client_id"}, a.FallbackClaimNames()["principal"])
	assert.Equal(t, "access_token", a.TokenTypeTag())
}
