package identitytls

import (
	"fmt"

	"github.com/maxlambrecht/java-spiffe-1/pkg/spiffeid"
)

// Authorizer decides whether a cryptographically verified peer SPIFFE ID
// is allowed. Exactly one authorizer is applied per TLS config, selected at
// construction time. A non-nil return rejects the handshake.
//
// Authorizers are evaluated at handshake time and must be safe for
// concurrent use.
type Authorizer func(peer spiffeid.ID) error

// AuthorizeAny accepts every validated SPIFFE ID.
func AuthorizeAny() Authorizer {
	return func(spiffeid.ID) error {
		return nil
	}
}

// AuthorizeID accepts exactly one SPIFFE ID.
func AuthorizeID(allowed spiffeid.ID) Authorizer {
	return AuthorizeOneOf(allowed)
}

// AuthorizeOneOf accepts any SPIFFE ID in the given allow-list.
func AuthorizeOneOf(allowed ...spiffeid.ID) Authorizer {
	set := make(map[spiffeid.ID]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	return func(peer spiffeid.ID) error {
		if _, ok := set[peer]; !ok {
			return fmt.Errorf("%w: %q", ErrUnauthorized, peer)
		}
		return nil
	}
}

// AuthorizeMemberOf accepts any SPIFFE ID inside the given trust domain.
func AuthorizeMemberOf(td spiffeid.TrustDomain) Authorizer {
	return func(peer spiffeid.ID) error {
		if !peer.MemberOf(td) {
			return fmt.Errorf("%w: %q is not a member of trust domain %q", ErrUnauthorized, peer, td)
		}
		return nil
	}
}

// AuthorizeMatch delegates the decision to a caller-supplied predicate,
// evaluated at validation time. This enables dynamic policies, e.g. an
// allow-list sourced from configuration that changes while the process
// runs. The predicate's error is reported as the rejection reason.
func AuthorizeMatch(matches func(peer spiffeid.ID) error) Authorizer {
	return func(peer spiffeid.ID) error {
		if err := matches(peer); err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil
	}
}
