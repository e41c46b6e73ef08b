package realm

import (
	"context"
	"fmt"
	"log/slog"

	caerr "github.com/clearauth/clearauth-core/pkg/errors"
)

// License gates features that require a commercial entitlement. Delegated
// authorization degrades to a no-op, with a logged warning, when unlicensed.
type License interface {
	AllowsDelegatedAuthorization() bool
}

// UserLookupRealm is the surface another realm exposes for delegated
// authorization: resolving a principal to one of its users. The listener
// receives nil when the realm has no such user.
type UserLookupRealm interface {
	Name() string
	LookupUser(ctx context.Context, principal string, listener Listener[*User])
}

// delegatedAuthorization resolves roles for an authenticated principal by
// looking the principal up in a configured list of authorization realms,
// in order. The zero variant (no realms) reports no delegation, keeping
// the orchestrator's branching single-shape.
type delegatedAuthorization struct {
	realms []UserLookupRealm
}

// newDelegatedAuthorization links the configured authorization realm names
// against the set of all realms. Unknown names are configuration errors.
// When no names are configured, or the license does not allow delegation,
// the returned value has no delegation.
func newDelegatedAuthorization(names []string, allRealms []UserLookupRealm, license License, logger *slog.Logger) (*delegatedAuthorization, error) {
	if len(names) == 0 {
		return &delegatedAuthorization{}, nil
	}
	if license == nil || !license.AllowsDelegatedAuthorization() {
		logger.Warn("realm: delegated authorization is configured but not licensed; falling back to role mapping")
		return &delegatedAuthorization{}, nil
	}

	byName := make(map[string]UserLookupRealm, len(allRealms))
	for _, r := range allRealms {
		byName[r.Name()] = r
	}

	realms := make([]UserLookupRealm, 0, len(names))
	for _, name := range names {
		r, ok := byName[name]
		if !ok {
			return nil, caerr.Newf(caerr.CodeConfiguration,
				"realm: configured authorization realm %q does not exist", name)
		}
		realms = append(realms, r)
	}
	return &delegatedAuthorization{realms: realms}, nil
}

// HasDelegation reports whether any authorization realm is linked.
func (d *delegatedAuthorization) HasDelegation() bool { return len(d.realms) > 0 }

// Resolve looks the principal up in each authorization realm in order. The
// first realm returning a user wins; if none does, the result is
// unsuccessful. Lookup infrastructure errors propagate through the
// listener's failure channel.
func (d *delegatedAuthorization) Resolve(ctx context.Context, principal string, listener Listener[Result]) {
	d.resolveFrom(ctx, 0, principal, listener)
}

func (d *delegatedAuthorization) resolveFrom(ctx context.Context, idx int, principal string, listener Listener[Result]) {
	if idx >= len(d.realms) {
		msg := fmt.Sprintf("the principal %q was not found in any of the delegated authorization realms", principal)
		listener.OnResponse(Unsuccessful(msg, caerr.Newf(caerr.CodeNotFoundUser, "realm: %s", msg)))
		return
	}

	d.realms[idx].LookupUser(ctx, principal, NewListener(
		func(user *User) {
			if user != nil {
				listener.OnResponse(Success(user))
				return
			}
			d.resolveFrom(ctx, idx+1, principal, listener)
		},
		listener.OnFailure,
	))
}
