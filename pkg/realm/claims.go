package realm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	caerr "github.com/clearauth/clearauth-core/pkg/errors"
)

// ClaimsSet is the payload of a validated JWT, as a name→value mapping.
// Values are the shapes produced by JSON decoding: string, bool, float64,
// json.Number, []any, or nested map[string]any. The set additionally
// exposes typed accessors for the registered claims (exp, nbf, iat, iss,
// aud).
//
// ClaimsSet is read-only after construction.
type ClaimsSet struct {
	claims map[string]any
}

// NewClaimsSet wraps a decoded claims mapping. The mapping must not be
// mutated after being handed to NewClaimsSet.
func NewClaimsSet(claims map[string]any) *ClaimsSet {
	if claims == nil {
		claims = map[string]any{}
	}
	return &ClaimsSet{claims: claims}
}

// Claims returns the underlying mapping. Callers must treat it as
// read-only.
func (s *ClaimsSet) Claims() map[string]any { return s.claims }

// Get returns the value for the given claim name. A literal key match is
// tried first; if the name contains dots and no literal key exists, it is
// walked as a path through nested mappings (e.g. "realm_access.roles").
func (s *ClaimsSet) Get(name string) (any, bool) {
	if v, ok := s.claims[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}
	var node any = s.claims
	for _, seg := range strings.Split(name, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// Expiration returns the exp claim as a time, if present and numeric.
func (s *ClaimsSet) Expiration() (time.Time, bool) { return s.timeClaim("exp") }

// NotBefore returns the nbf claim as a time, if present and numeric.
func (s *ClaimsSet) NotBefore() (time.Time, bool) { return s.timeClaim("nbf") }

// IssuedAt returns the iat claim as a time, if present and numeric.
func (s *ClaimsSet) IssuedAt() (time.Time, bool) { return s.timeClaim("iat") }

// Issuer returns the iss claim, or "" if absent or not a string.
func (s *ClaimsSet) Issuer() string {
	iss, _ := s.claims["iss"].(string)
	return iss
}

// Audiences returns the aud claim normalized to a string slice. A scalar
// audience is returned as a one-element slice; non-string elements are
// skipped.
func (s *ClaimsSet) Audiences() []string {
	switch aud := s.claims["aud"].(type) {
	case string:
		return []string{aud}
	case []string:
		return aud
	case []any:
		out := make([]string, 0, len(aud))
		for _, e := range aud {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func (s *ClaimsSet) timeClaim(name string) (time.Time, bool) {
	sec, ok := numericValue(s.claims[name])
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(sec), 0), true
}

// numericValue extracts a float64 from the numeric shapes JSON decoding
// produces.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ClaimSetting configures one claim parser: the claim name (possibly a
// dotted path) and an optional regular expression whose first capture
// group extracts the value from each matched string.
type ClaimSetting struct {
	Claim   string `env:"CLAIM" yaml:"claim" json:"claim"`
	Pattern string `env:"PATTERN" yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// ClaimParser extracts a typed value (string or list of strings) from a
// claims set. Exactly one claim name is resolved at construction: the
// explicitly configured name takes precedence, otherwise fallback names
// supplied by the token authenticator are tried in order. A parser whose
// name could not be resolved and is not required parses everything to
// absent.
//
// ClaimParser is immutable and safe for concurrent use.
type ClaimParser struct {
	settingName string
	claimName   string
	pattern     *regexp.Regexp
	required    bool
}

// NewClaimParser builds a parser for the named setting (e.g. "principal").
// fallbacks maps setting names to ordered fallback claim names; the first
// fallback is used when the setting configures no claim name. Construction
// fails when a required setting resolves to no claim name, or when the
// configured pattern does not compile or has no capture group.
func NewClaimParser(settingName string, setting ClaimSetting, fallbacks map[string][]string, required bool) (*ClaimParser, error) {
	claimName := setting.Claim
	if claimName == "" {
		for _, fb := range fallbacks[settingName] {
			if fb != "" {
				claimName = fb
				break
			}
		}
	}
	if claimName == "" && required {
		return nil, caerr.Newf(caerr.CodeConfigurationRequired,
			"realm: claim setting %q is required but configures no claim name and has no fallback", settingName)
	}

	var pattern *regexp.Regexp
	if setting.Pattern != "" {
		re, err := regexp.Compile(setting.Pattern)
		if err != nil {
			return nil, caerr.Wrapf(err, caerr.CodeConfiguration,
				"realm: claim setting %q has an invalid pattern", settingName)
		}
		if re.NumSubexp() < 1 {
			return nil, caerr.Newf(caerr.CodeConfiguration,
				"realm: claim setting %q pattern must contain a capture group", settingName)
		}
		pattern = re
	}

	return &ClaimParser{
		settingName: settingName,
		claimName:   claimName,
		pattern:     pattern,
		required:    required,
	}, nil
}

// Name returns the resolved claim name, empty for an unconfigured
// optional parser.
func (p *ClaimParser) Name() string { return p.claimName }

// String describes the parser for log messages.
func (p *ClaimParser) String() string {
	if p.pattern != nil {
		return fmt.Sprintf("%s=%s(pattern=%s)", p.settingName, p.claimName, p.pattern.String())
	}
	return fmt.Sprintf("%s=%s", p.settingName, p.claimName)
}

// GetClaimValue returns the string value of the claim, or "" when absent.
// A single-element list of strings yields its sole element. A
// multi-element list is a claim-shape error. Numbers and booleans are not
// coerced and parse to absent.
func (p *ClaimParser) GetClaimValue(claims *ClaimsSet) (string, error) {
	if p.claimName == "" {
		return "", nil
	}
	raw, ok := claims.Get(p.claimName)
	if !ok {
		return "", nil
	}

	switch v := raw.(type) {
	case string:
		return p.applyPattern(v), nil
	case []string:
		return p.singleFromList(len(v), func(i int) (string, bool) { return v[i], true })
	case []any:
		return p.singleFromList(len(v), func(i int) (string, bool) { s, ok := v[i].(string); return s, ok })
	default:
		return "", nil
	}
}

func (p *ClaimParser) singleFromList(n int, elem func(int) (string, bool)) (string, error) {
	if n != 1 {
		return "", caerr.Newf(caerr.CodeClaimShape,
			"realm: claim %q has %d values where a single value was expected", p.claimName, n)
	}
	s, ok := elem(0)
	if !ok {
		return "", nil
	}
	return p.applyPattern(s), nil
}

// GetClaimValues returns the claim as a list of strings. A scalar string
// is lifted to a one-element list; an absent claim yields the empty list.
// Any non-string element is a claim-shape error.
func (p *ClaimParser) GetClaimValues(claims *ClaimsSet) ([]string, error) {
	if p.claimName == "" {
		return []string{}, nil
	}
	raw, ok := claims.Get(p.claimName)
	if !ok {
		return []string{}, nil
	}

	switch v := raw.(type) {
	case string:
		return p.collect([]any{v})
	case []string:
		anys := make([]any, len(v))
		for i, s := range v {
			anys[i] = s
		}
		return p.collect(anys)
	case []any:
		return p.collect(v)
	default:
		return nil, caerr.Newf(caerr.CodeClaimShape,
			"realm: claim %q has type %T where a string or list of strings was expected", p.claimName, raw)
	}
}

func (p *ClaimParser) collect(values []any) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, e := range values {
		s, ok := e.(string)
		if !ok {
			return nil, caerr.Newf(caerr.CodeClaimShape,
				"realm: claim %q contains a %T element where a string was expected", p.claimName, e)
		}
		if extracted := p.applyPattern(s); extracted != "" {
			out = append(out, extracted)
		}
	}
	return out, nil
}

// applyPattern extracts the first capture group when a pattern is
// configured. Non-matching values are treated as absent.
func (p *ClaimParser) applyPattern(value string) string {
	if p.pattern == nil {
		return value
	}
	m := p.pattern.FindStringSubmatch(value)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
