package spiffeid

import (
	"fmt"
	"net/url"
	"strings"
)

// scheme is the URI scheme of every SPIFFE identity.
const scheme = "spiffe"

// TrustDomain is the name of a SPIFFE trust domain: the administrative
// namespace that owns a set of identities and trust anchors (e.g.
// "example.org").
//
// A TrustDomain is a normalized, immutable value. Two trust domains that
// differ only in letter case or surrounding whitespace compare equal after
// construction, so values may be compared directly with == and used as map
// keys.
//
// The zero value is not a valid trust domain; use TrustDomainFromString.
type TrustDomain struct {
	name string
}

// TrustDomainFromString creates a TrustDomain from a string.
//
// The input may be a bare name ("example.org") or a SPIFFE URI
// ("spiffe://example.org"); it is trimmed and lowercased before parsing.
//
// Returns an error wrapping ErrInvalidTrustDomain if the input is blank,
// carries a scheme other than spiffe, has an explicit port, or has a blank
// or unparsable host.
func TrustDomainFromString(raw string) (TrustDomain, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return TrustDomain{}, fmt.Errorf("%w: trust domain cannot be empty", ErrInvalidTrustDomain)
	}
	if !strings.Contains(normalized, "://") {
		normalized = scheme + "://" + normalized
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return TrustDomain{}, fmt.Errorf("%w: %v", ErrInvalidTrustDomain, err)
	}
	if u.Scheme != scheme {
		return TrustDomain{}, fmt.Errorf("%w: invalid scheme %q", ErrInvalidTrustDomain, u.Scheme)
	}
	if u.Port() != "" {
		return TrustDomain{}, fmt.Errorf("%w: port is not allowed", ErrInvalidTrustDomain)
	}
	if u.User != nil {
		return TrustDomain{}, fmt.Errorf("%w: user info is not allowed", ErrInvalidTrustDomain)
	}
	host := u.Hostname()
	if host == "" {
		return TrustDomain{}, fmt.Errorf("%w: trust domain cannot be empty", ErrInvalidTrustDomain)
	}

	return TrustDomain{name: host}, nil
}

// RequireTrustDomainFromString is like TrustDomainFromString but panics on
// error. Intended for static initialization with known-good values.
func RequireTrustDomainFromString(raw string) TrustDomain {
	td, err := TrustDomainFromString(raw)
	if err != nil {
		panic(err)
	}
	return td
}

// ID builds a SPIFFE ID inside this trust domain from the given path
// segments. See FromSegments for segment validation rules.
func (td TrustDomain) ID(segments ...string) (ID, error) {
	return FromSegments(td, segments...)
}

// String returns the trust domain name, e.g. "example.org".
func (td TrustDomain) String() string {
	return td.name
}

// IDString returns the trust domain as a SPIFFE URI, e.g.
// "spiffe://example.org".
func (td TrustDomain) IDString() string {
	return scheme + "://" + td.name
}

// IsZero reports whether td is the zero (invalid) trust domain.
func (td TrustDomain) IsZero() bool {
	return td.name == ""
}

// Compare returns an integer comparing td to other lexicographically.
func (td TrustDomain) Compare(other TrustDomain) int {
	return strings.Compare(td.name, other.name)
}
