package realm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	caerr "github.com/clearauth/clearauth-core/pkg/errors"
)

func TestClaimsSet_Get(t *testing.T) {
	claims := NewClaimsSet(map[string]any{
		"sub":            "alice",
		"dotted.literal": "direct",
		"realm_access": map[string]any{
			"roles": []any{"r1", "r2"},
		},
	})

	t.Run("literal key", func(t *testing.T) {
		v, ok := claims.Get("sub")
		require.True(t, ok)
		assert.Equal(t, "alice", v)
	})

	t.Run("literal key wins over path walk", func(t *testing.T) {
		v, ok := claims.Get("dotted.literal")
		require.True(t, ok)
		assert.Equal(t, "direct", v)
	})

	t.Run("dotted path", func(t *testing.T) {
		v, ok := claims.Get("realm_access.roles")
		require.True(t, ok)
		assert.Equal(t, []any{"r1", "r2"}, v)
	})

	t.Run("absent", func(t *testing.T) {
		_, ok := claims.Get("missing")
		assert.False(t, ok)
		_, ok = claims.Get("realm_access.missing")
		assert.False(t, ok)
		_, ok = claims.Get("sub.not.a.map")
		assert.False(t, ok)
	})
}

func TestClaimsSet_RegisteredClaims(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	claims := NewClaimsSet(map[string]any{
		"iss": "https://issuer.example.com",
		"aud": []any{"aud1", "aud2"},
		"exp": float64(now.Add(time.Hour).Unix()),
		"nbf": float64(now.Unix()),
		"iat": float64(now.Unix()),
	})

	assert.Equal(t, "https://issuer.example.com", claims.Issuer())
	assert.Equal(t, []string{"aud1", "aud2"}, claims.Audiences())

	exp, ok := claims.Expiration()
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Hour).Unix(), exp.Unix())

	nbf, ok := claims.NotBefore()
	require.True(t, ok)
	assert.Equal(t, now.Unix(), nbf.Unix())

	iat, ok := claims.IssuedAt()
	require.True(t, ok)
	assert.Equal(t, now.Unix(), iat.Unix())
}

func TestClaimsSet_ScalarAudience(t *testing.T) {
	claims := NewClaimsSet(map[string]any{"aud": "single"})
	assert.Equal(t, []string{"single"}, claims.Audiences())
}

func TestNewClaimParser(t *testing.T) {
	fallbacks := map[string][]string{"principal": {"sub", "client_id"}}

	t.Run("explicit name wins over fallback", func(t *testing.T) {
		p, err := NewClaimParser("principal", ClaimSetting{Claim: "email"}, fallbacks, true)
		require.NoError(t, err)
		assert.Equal(t, "email", p.Name())
	})

	t.Run("first fallback used when unconfigured", func(t *testing.T) {
		p, err := NewClaimParser("principal", ClaimSetting{}, fallbacks, true)
		require.NoError(t, err)
		assert.Equal(t, "sub", p.Name())
	})

	t.Run("required with no name fails", func(t *testing.T) {
		_, err := NewClaimParser("principal", ClaimSetting{}, nil, true)
		require.Error(t, err)
		assert.True(t, caerr.IsConfiguration(err))
	})

	t.Run("optional with no name parses to absent", func(t *testing.T) {
		p, err := NewClaimParser("groups", ClaimSetting{}, nil, false)
		require.NoError(t, err)
		assert.Empty(t, p.Name())

		claims := NewClaimsSet(map[string]any{"groups": []any{"g1"}})
		v, err := p.GetClaimValue(claims)
		require.NoError(t, err)
		assert.Empty(t, v)

		vs, err := p.GetClaimValues(claims)
		require.NoError(t, err)
		assert.Empty(t, vs)
	})

	t.Run("invalid pattern fails", func(t *testing.T) {
		_, err := NewClaimParser("principal", ClaimSetting{Claim: "sub", Pattern: "("}, nil, true)
		require.Error(t, err)
		assert.True(t, caerr.IsConfiguration(err))
	})

	t.Run("pattern without capture group fails", func(t *testing.T) {
		_, err := NewClaimParser("principal", ClaimSetting{Claim: "sub", Pattern: "^.*$"}, nil, true)
		require.Error(t, err)
		assert.True(t, caerr.IsConfiguration(err))
	})
}

func TestClaimParser_GetClaimValue(t *testing.T) {
	parser := func(t *testing.T, name string) *ClaimParser {
		t.Helper()
		p, err := NewClaimParser("principal", ClaimSetting{Claim: name}, nil, true)
		require.NoError(t, err)
		return p
	}

	t.Run("string value", func(t *testing.T) {
		v, err := parser(t, "sub").GetClaimValue(NewClaimsSet(map[string]any{"sub": "alice"}))
		require.NoError(t, err)
		assert.Equal(t, "alice", v)
	})

	t.Run("singleton list", func(t *testing.T) {
		v, err := parser(t, "sub").GetClaimValue(NewClaimsSet(map[string]any{"sub": []any{"alice"}}))
		require.NoError(t, err)
		assert.Equal(t, "alice", v)
	})

	t.Run("multi-element list is a claim-shape error", func(t *testing.T) {
		_, err := parser(t, "sub").GetClaimValue(NewClaimsSet(map[string]any{"sub": []any{"a", "b"}}))
		require.Error(t, err)
		assert.True(t, caerr.HasCode(err, caerr.CodeClaimShape))
	})

	t.Run("numbers and booleans are absent", func(t *testing.T) {
		v, err := parser(t, "sub").GetClaimValue(NewClaimsSet(map[string]any{"sub": float64(42)}))
		require.NoError(t, err)
		assert.Empty(t, v)

		v, err = parser(t, "sub").GetClaimValue(NewClaimsSet(map[string]any{"sub": true}))
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("absent claim", func(t *testing.T) {
		v, err := parser(t, "sub").GetClaimValue(NewClaimsSet(map[string]any{}))
		require.NoError(t, err)
		assert.Empty(t, v)
	})
}

func TestClaimParser_GetClaimValues(t *testing.T) {
	p, err := NewClaimParser("groups", ClaimSetting{Claim: "groups"}, nil, false)
	require.NoError(t, err)

	t.Run("list round-trip", func(t *testing.T) {
		vs, err := p.GetClaimValues(NewClaimsSet(map[string]any{"groups": []any{"a", "b", "c"}}))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, vs)
	})

	t.Run("scalar lifted to list", func(t *testing.T) {
		vs, err := p.GetClaimValues(NewClaimsSet(map[string]any{"groups": "only"}))
		require.NoError(t, err)
		assert.Equal(t, []string{"only"}, vs)
	})

	t.Run("absent is empty", func(t *testing.T) {
		vs, err := p.GetClaimValues(NewClaimsSet(map[string]any{}))
		require.NoError(t, err)
		assert.Empty(t, vs)
	})

	t.Run("non-string element is a claim-shape error", func(t *testing.T) {
		_, err := p.GetClaimValues(NewClaimsSet(map[string]any{"groups": []any{"a", 7}}))
		require.Error(t, err)
		assert.True(t, caerr.HasCode(err, caerr.CodeClaimShape))
	})

	t.Run("non-string scalar is a claim-shape error", func(t *testing.T) {
		_, err := p.GetClaimValues(NewClaimsSet(map[string]any{"groups": float64(1)}))
		require.Error(t, err)
		assert.True(t, caerr.HasCode(err, caerr.CodeClaimShape))
	})
}

func TestClaimParser_Pattern(t *testing.T) {
	p, err := NewClaimParser("principal", ClaimSetting{Claim: "email", Pattern: `^([^@]+)@example\.com$`}, nil, true)
	require.NoError(t, err)

	t.Run("extracts capture group", func(t *testing.T) {
		v, err := p.GetClaimValue(NewClaimsSet(map[string]any{"email": "alice@example.com"}))
		require.NoError(t, err)
		assert.Equal(t, "alice", v)
	})

	t.Run("non-matching value is absent", func(t *testing.T) {
		v, err := p.GetClaimValue(NewClaimsSet(map[string]any{"email": "alice@other.org"}))
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("list values filtered by pattern", func(t *testing.T) {
		g, err := NewClaimParser("groups", ClaimSetting{Claim: "groups", Pattern: `^grp-(.+)$`}, nil, false)
		require.NoError(t, err)
		vs, err := g.GetClaimValues(NewClaimsSet(map[string]any{"groups": []any{"grp-a", "other", "grp-b"}}))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, vs)
	})
}
