package realm

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// UserData is the tuple handed to a [RoleMapper] for role resolution:
// everything the realm knows about the subject after claim extraction.
type UserData struct {
	Principal string
	DN        string
	Groups    []string
	Metadata  map[string]any
	Realm     string
}

// CachingRealm is the narrow realm surface a role mapper needs to notify
// when its mapping rules change: invalidating the realm's user cache so
// stale role sets are not served.
type CachingRealm interface {
	Name() string
	ExpireAll() error
}

// RoleMapper turns a (principal, dn, groups, metadata) tuple into a role
// set. Resolution may be asynchronous (e.g., backed by a remote store), so
// the result is delivered through a listener. Mapper errors are
// infrastructure failures and arrive on the listener's failure channel.
type RoleMapper interface {
	ResolveRoles(ctx context.Context, data UserData, listener Listener[[]string])

	// RefreshRealmOnChange registers a realm whose cache must be
	// invalidated whenever the mapping rules change. Neither side owns
	// the other.
	RefreshRealmOnChange(realm CachingRealm)
}

// MappingRule grants Roles to a user matching any of its Groups or any of
// its Principals. A rule with neither groups nor principals matches
// nothing.
type MappingRule struct {
	Roles      []string `yaml:"roles" json:"roles"`
	Groups     []string `yaml:"groups,omitempty" json:"groups,omitempty"`
	Principals []string `yaml:"principals,omitempty" json:"principals,omitempty"`
}

func (r MappingRule) matches(data UserData) bool {
	for _, p := range r.Principals {
		if p == data.Principal {
			return true
		}
	}
	for _, g := range r.Groups {
		for _, have := range data.Groups {
			if g == have {
				return true
			}
		}
	}
	return false
}

// ClaimRoleMapper is a deterministic in-memory [RoleMapper] driven by
// [MappingRule] entries. Rules can be replaced at runtime with
// [ClaimRoleMapper.SetRules]; every registered realm's cache is expired
// when that happens.
//
// ClaimRoleMapper is safe for concurrent use.
type ClaimRoleMapper struct {
	mu     sync.RWMutex
	rules  []MappingRule
	realms []CachingRealm
	logger *slog.Logger
}

// NewClaimRoleMapper builds a mapper from the given rules.
func NewClaimRoleMapper(rules ...MappingRule) *ClaimRoleMapper {
	return &ClaimRoleMapper{rules: rules, logger: slog.Default()}
}

// ResolveRoles matches the user data against every rule and responds with
// the deduplicated, sorted union of the granted roles. It never fails.
func (m *ClaimRoleMapper) ResolveRoles(_ context.Context, data UserData, listener Listener[[]string]) {
	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	seen := make(map[string]struct{})
	roles := []string{}
	for _, rule := range rules {
		if !rule.matches(data) {
			continue
		}
		for _, role := range rule.Roles {
			if _, dup := seen[role]; !dup {
				seen[role] = struct{}{}
				roles = append(roles, role)
			}
		}
	}
	sort.Strings(roles)
	listener.OnResponse(roles)
}

// RefreshRealmOnChange registers a realm for cache invalidation on rule
// changes.
func (m *ClaimRoleMapper) RefreshRealmOnChange(realm CachingRealm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realms = append(m.realms, realm)
}

// SetRules replaces the mapping rules and expires the cache of every
// registered realm. Invalidation errors are logged and swallowed: a realm
// that cannot be expired must not block the rule change.
func (m *ClaimRoleMapper) SetRules(rules []MappingRule) {
	m.mu.Lock()
	m.rules = rules
	realms := make([]CachingRealm, len(m.realms))
	copy(realms, m.realms)
	m.mu.Unlock()

	for _, r := range realms {
		if err := r.ExpireAll(); err != nil {
			m.logger.Warn("realm: failed to expire realm cache after role mapping change",
				"realm", r.Name(),
				"error", err,
			)
		}
	}
}
