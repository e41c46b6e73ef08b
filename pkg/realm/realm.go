package realm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	caerr "github.com/clearauth/clearauth-core/pkg/errors"
)

// CacheConfig bounds the realm's token cache. The cache is enabled only
// when both TTL and Size are positive; any other combination disables it.
type CacheConfig struct {
	// TTL is the expire-after-write lifetime of a cache entry. 0 disables
	// the cache.
	TTL time.Duration `env:"TTL" envDefault:"20m" yaml:"ttl" json:"ttl"`

	// Size is the maximum number of cached users. 0 disables the cache.
	Size int `env:"SIZE" envDefault:"100000" yaml:"size" json:"size"`
}

// ClaimsConfig names the claims the realm extracts from validated tokens.
// Principal is required (directly or via the authenticator's fallbacks);
// the rest are optional.
type ClaimsConfig struct {
	Principal ClaimSetting `env:"PRINCIPAL" yaml:"principal" json:"principal"`
	Groups    ClaimSetting `env:"GROUPS" yaml:"groups" json:"groups"`
	DN        ClaimSetting `env:"DN" yaml:"dn" json:"dn"`
	Mail      ClaimSetting `env:"MAIL" yaml:"mail" json:"mail"`
	Name      ClaimSetting `env:"NAME" yaml:"name" json:"name"`
}

// Config is the realm configuration, immutable after construction.
type Config struct {
	// Name identifies this realm instance in logs and usage stats.
	Name string `env:"NAME" envDefault:"jwt" yaml:"name" json:"name"`

	// Order is the realm's position in the authentication chain.
	Order int `env:"ORDER" envDefault:"0" yaml:"order" json:"order"`

	// PopulateUserMetadata copies type-filtered claims into user
	// metadata under jwt_claim_ keys.
	PopulateUserMetadata bool `env:"POPULATE_USER_METADATA" envDefault:"true" yaml:"populate_user_metadata" json:"populate_user_metadata"`

	// ClientAuthentication verifies the client that forwarded the token.
	ClientAuthentication ClientAuthenticationConfig `env:"CLIENT_AUTHENTICATION" yaml:"client_authentication" json:"client_authentication"`

	// Cache bounds the token cache.
	Cache CacheConfig `env:"CACHE" yaml:"cache" json:"cache"`

	// Claims configures the five claim parsers.
	Claims ClaimsConfig `env:"CLAIMS" yaml:"claims" json:"claims"`

	// AuthorizationRealms names the realms role resolution is delegated
	// to. Empty means roles come from the realm's own role mapper.
	AuthorizationRealms []string `env:"AUTHORIZATION_REALMS" yaml:"authorization_realms" json:"authorization_realms"`

	// Authenticator is the JWT validation policy.
	Authenticator AuthenticatorConfig `env:"TOKEN" yaml:"token" json:"token"`
}

// InvalidationNotifier broadcasts a cache invalidation to sibling nodes.
// The in-process cache is always invalidated first; notification failures
// are logged and swallowed.
type InvalidationNotifier interface {
	NotifyAll(ctx context.Context, realmName string) error
}

// Option customizes realm construction.
type Option func(*Realm)

// WithLogger sets the realm's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Realm) { r.logger = logger }
}

// WithInvalidationNotifier attaches a cross-node invalidation notifier.
// ExpireAll (including key-rotation invalidations) additionally publishes
// through the notifier.
func WithInvalidationNotifier(n InvalidationNotifier) Option {
	return func(r *Realm) { r.notifier = n }
}

// Realm is a JWT bearer-token authentication realm. See the package
// documentation for the authentication flow and lifecycle.
//
// Realm is safe for concurrent use by multiple goroutines.
type Realm struct {
	config     Config
	logger     *slog.Logger
	roleMapper RoleMapper
	notifier   InvalidationNotifier

	authenticator tokenAuthenticator
	cache         *jwtCache // nil when disabled

	parserPrincipal *ClaimParser
	parserGroups    *ClaimParser
	parserDN        *ClaimParser
	parserMail      *ClaimParser
	parserName      *ClaimParser

	initMu    sync.Mutex
	delegated *delegatedAuthorization // nil until Initialize
}

// New builds a realm from its configuration and role mapper. The realm
// registers itself with the role mapper so mapping changes invalidate its
// cache, and registers its cache invalidation as the token authenticator's
// key-rotation hook. The realm refuses to serve until [Realm.Initialize]
// has been called.
func New(cfg Config, roleMapper RoleMapper, opts ...Option) (*Realm, error) {
	if roleMapper == nil {
		return nil, caerr.New(caerr.CodeConfigurationRequired, "realm: a role mapper is required")
	}
	if err := validateClientAuthenticationSettings(cfg.ClientAuthentication); err != nil {
		return nil, err
	}

	r := &Realm{
		config:     cfg,
		logger:     slog.Default(),
		roleMapper: roleMapper,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("realm", cfg.Name)

	if cfg.Cache.TTL > 0 && cfg.Cache.Size > 0 {
		r.cache = newJWTCache(cfg.Cache.TTL, cfg.Cache.Size)
	} else if cfg.Cache.TTL != 0 || cfg.Cache.Size != 0 {
		r.logger.Debug("realm: token cache disabled by configuration",
			"cache_ttl", cfg.Cache.TTL,
			"cache_size", cfg.Cache.Size,
		)
	}

	// The rotation hook bypasses the initialization gate: key material
	// may rotate between construction and Initialize, and a stale cache
	// must never outlive the keys that validated its entries.
	authenticator, err := NewTokenAuthenticator(cfg.Authenticator, r.logger, r.invalidateCache)
	if err != nil {
		return nil, err
	}
	r.authenticator = authenticator

	fallbacks := authenticator.FallbackClaimNames()
	if r.parserPrincipal, err = NewClaimParser("principal", cfg.Claims.Principal, fallbacks, true); err != nil {
		return nil, err
	}
	if r.parserGroups, err = NewClaimParser("groups", cfg.Claims.Groups, fallbacks, false); err != nil {
		return nil, err
	}
	if r.parserDN, err = NewClaimParser("dn", cfg.Claims.DN, fallbacks, false); err != nil {
		return nil, err
	}
	if r.parserMail, err = NewClaimParser("mail", cfg.Claims.Mail, fallbacks, false); err != nil {
		return nil, err
	}
	if r.parserName, err = NewClaimParser("name", cfg.Claims.Name, fallbacks, false); err != nil {
		return nil, err
	}

	roleMapper.RefreshRealmOnChange(r)
	return r, nil
}

// Name returns the realm's configured name.
func (r *Realm) Name() string { return r.config.Name }

// Order returns the realm's position in the authentication chain.
func (r *Realm) Order() int { return r.config.Order }

// Initialize wires delegated authorization from the set of all realms and
// the license. It must be called exactly once before the realm serves;
// calling it twice is an error.
func (r *Realm) Initialize(allRealms []UserLookupRealm, license License) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if r.delegated != nil {
		return caerr.Newf(caerr.CodeInternalState, "realm: realm %q has already been initialized", r.config.Name)
	}
	delegated, err := newDelegatedAuthorization(r.config.AuthorizationRealms, allRealms, license, r.logger)
	if err != nil {
		return err
	}
	r.delegated = delegated
	return nil
}

// ensureInitialized returns an internal-state error when Initialize has
// not been called.
func (r *Realm) ensureInitialized() (*delegatedAuthorization, error) {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.delegated == nil {
		return nil, caerr.Newf(caerr.CodeInternalState, "realm: realm %q has not been initialized", r.config.Name)
	}
	return r.delegated, nil
}

// Supports reports whether the realm can authenticate the token.
func (r *Realm) Supports(token Token) bool {
	_, ok := token.(*BearerToken)
	return ok
}

// Authenticate verifies the token and delivers exactly one outcome to the
// listener: a successful result carrying the user, an unsuccessful result
// for validation failures, or a listener failure for infrastructure
// errors. The call may complete on the goroutine of whichever collaborator
// finishes last.
func (r *Realm) Authenticate(ctx context.Context, token Token, listener Listener[Result]) {
	bearer, ok := token.(*BearerToken)
	if !ok {
		msg := fmt.Sprintf("realm %q does not support token type %T", r.config.Name, token)
		r.logger.Debug("realm: unsupported token type", "token_type", fmt.Sprintf("%T", token))
		listener.OnResponse(Unsuccessful(msg, nil))
		return
	}

	delegated, err := r.ensureInitialized()
	if err != nil {
		listener.OnFailure(err)
		return
	}

	ctx, span := startSpan(ctx, "realm.Authenticate")
	defer span.End()

	tokenPrincipal := bearer.Principal()

	// Client authentication: with type none, fall through only when no
	// secret was presented; with shared_secret, only if the secret matched.
	if err := validateClientAuthentication(r.config.ClientAuthentication, bearer.ClientSecret()); err != nil {
		msg := fmt.Sprintf("realm %q client authentication failed for %s", r.config.Name, tokenPrincipal)
		r.logger.Debug("realm: client authentication failed", "token", tokenPrincipal, "error", err)
		finishSpan(span, err)
		listener.OnResponse(Unsuccessful(msg, err))
		return
	}

	var key cacheKey
	if r.cache != nil {
		key = fingerprint(bearer.SignedJWT())
		if cached, ok := r.cache.get(key); ok {
			span.SetAttributes(attribute.Bool("auth.cache_hit", true))
			if delegated.HasDelegation() {
				delegated.Resolve(ctx, cached.User.Principal, listener)
			} else {
				listener.OnResponse(Success(cached.User))
			}
			return
		}
	}
	span.SetAttributes(attribute.Bool("auth.cache_hit", false))

	claims, err := r.authenticator.Authenticate(ctx, bearer.SignedJWT())
	if err != nil {
		msg := fmt.Sprintf("realm %q JWT validation failed for %s", r.config.Name, tokenPrincipal)
		r.logger.Debug("realm: JWT validation failed", "token", tokenPrincipal, "error", err)
		finishSpan(span, err)
		listener.OnResponse(Unsuccessful(msg, err))
		return
	}

	r.processValidatedJWT(ctx, tokenPrincipal, key, claims, delegated, listener)
}

// processValidatedJWT parses the validated claims, resolves roles, caches
// the user, and delivers the result.
func (r *Realm) processValidatedJWT(
	ctx context.Context,
	tokenPrincipal string,
	key cacheKey,
	claims *ClaimsSet,
	delegated *delegatedAuthorization,
	listener Listener[Result],
) {
	principal, err := r.parserPrincipal.GetClaimValue(claims)
	if err == nil && principal == "" {
		err = caerr.Newf(caerr.CodeClaimMissing,
			"realm: no principal value for parser [%s]", r.parserPrincipal)
	}
	if err != nil {
		msg := fmt.Sprintf("realm %q could not extract a principal for %s", r.config.Name, tokenPrincipal)
		r.logger.Debug("realm: no principal", "token", tokenPrincipal, "parser", r.parserPrincipal.String(), "error", err)
		listener.OnResponse(Unsuccessful(msg, err))
		return
	}

	// Roles listener: log resolved roles and cache the user before the
	// result is delivered. The cache insert is unconditional on the
	// caller's liveness: a validated user is worth caching even if the
	// original request has gone away.
	logAndCache := NewListener(
		func(result Result) {
			if result.Authenticated() {
				user := result.User()
				r.logger.Debug("realm: resolved roles", "principal", principal, "roles", user.Roles)
				if r.cache != nil {
					if exp, ok := claims.Expiration(); ok {
						r.cache.put(key, user, exp.Add(r.authenticator.ClockSkew()))
					}
				}
			}
			listener.OnResponse(result)
		},
		listener.OnFailure,
	)

	if delegated.HasDelegation() {
		delegated.Resolve(ctx, principal, logAndCache)
		return
	}

	metadata := buildUserMetadata(claims, r.authenticator.TokenTypeTag(), r.config.PopulateUserMetadata)

	groups, err := r.parserGroups.GetClaimValues(claims)
	if err == nil {
		var dn, mail, name string
		if dn, err = r.parserDN.GetClaimValue(claims); err == nil {
			if mail, err = r.parserMail.GetClaimValue(claims); err == nil {
				if name, err = r.parserName.GetClaimValue(claims); err == nil {
					data := UserData{
						Principal: principal,
						DN:        dn,
						Groups:    groups,
						Metadata:  metadata,
						Realm:     r.config.Name,
					}
					r.roleMapper.ResolveRoles(ctx, data, NewListener(
						func(roles []string) {
							logAndCache.OnResponse(Success(NewUser(principal, roles, name, mail, metadata)))
						},
						logAndCache.OnFailure,
					))
					return
				}
			}
		}
	}

	msg := fmt.Sprintf("realm %q could not parse claims for %s", r.config.Name, tokenPrincipal)
	r.logger.Debug("realm: claim extraction failed", "token", tokenPrincipal, "error", err)
	listener.OnResponse(Unsuccessful(msg, err))
}

// Expire removes every cached entry whose user's principal equals the
// argument. It is a no-op when the cache is disabled.
func (r *Realm) Expire(principal string) error {
	if _, err := r.ensureInitialized(); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.removeIf(func(u *User) bool { return u.Principal == principal })
	}
	return nil
}

// ExpireAll invalidates the entire token cache and, when a notifier is
// attached, broadcasts the invalidation to sibling nodes. Internal
// invalidation errors are logged and swallowed: keys may have rotated
// concurrently, and a failed invalidation must not crash the
// authenticator.
func (r *Realm) ExpireAll() error {
	if _, err := r.ensureInitialized(); err != nil {
		return err
	}
	r.invalidateCache()
	return nil
}

// invalidateCache clears the local cache and notifies sibling nodes. Used
// directly as the authenticator's key-rotation hook, bypassing the
// initialization gate.
func (r *Realm) invalidateCache() {
	if r.cache != nil {
		r.cache.invalidateAll()
		r.logger.Debug("realm: invalidated token cache")
	}
	if r.notifier != nil {
		if err := r.notifier.NotifyAll(context.Background(), r.config.Name); err != nil {
			r.logger.Warn("realm: failed to broadcast cache invalidation", "error", err)
		}
	}
}

// HandleRemoteInvalidation clears the local cache in response to a
// broadcast from a sibling node, without re-broadcasting.
func (r *Realm) HandleRemoteInvalidation() {
	if r.cache != nil {
		r.cache.invalidateAll()
		r.logger.Debug("realm: invalidated token cache after remote notification")
	}
}

// LookupUser always responds with no user: run-as and delegated
// authorization reverse lookups are not supported by JWT realms.
func (r *Realm) LookupUser(_ context.Context, _ string, listener Listener[*User]) {
	if _, err := r.ensureInitialized(); err != nil {
		listener.OnFailure(err)
		return
	}
	listener.OnResponse(nil)
}

// UsageStats responds with the realm's base stats composed with the token
// cache size. Disabled caches report size -1.
func (r *Realm) UsageStats(_ context.Context, listener Listener[map[string]any]) {
	if _, err := r.ensureInitialized(); err != nil {
		listener.OnFailure(err)
		return
	}

	size := -1
	if r.cache != nil {
		size = r.cache.count()
	}
	listener.OnResponse(map[string]any{
		"name":  r.config.Name,
		"order": r.config.Order,
		"cache": map[string]any{"enabled": r.cache != nil},
		"jwt.cache": map[string]any{
			"size": size,
		},
	})
}

// Close shuts down the token authenticator. The cache is dropped with the
// realm.
func (r *Realm) Close() error {
	r.authenticator.Close()
	return nil
}
