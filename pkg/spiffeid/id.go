package spiffeid

import (
	"fmt"
	"net/url"
	"strings"
)

// ID is a SPIFFE ID: a URI-form workload identity scoped to a trust domain,
// e.g. "spiffe://example.org/workload/billing".
//
// An ID is an immutable value; two IDs are equal when their trust domain and
// path are equal, so values may be compared directly with ==.
//
// The zero value is not a valid ID; use FromString, FromURI or FromSegments.
type ID struct {
	td   TrustDomain
	path string
}

// FromString parses a SPIFFE ID from its string form.
//
// The trust domain component follows TrustDomainFromString's rules; path
// segments must be non-empty and must not be "." or "..". User info, query
// and fragment components are rejected. Failures wrap ErrInvalidID (or
// ErrInvalidTrustDomain for a bad domain component).
func FromString(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ID{}, fmt.Errorf("%w: cannot be empty", ErrInvalidID)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return FromURI(u)
}

// FromURI creates a SPIFFE ID from a parsed URI, applying the same
// validation as FromString.
func FromURI(u *url.URL) (ID, error) {
	if u == nil {
		return ID{}, fmt.Errorf("%w: URI cannot be nil", ErrInvalidID)
	}
	if !strings.EqualFold(u.Scheme, scheme) {
		return ID{}, fmt.Errorf("%w: invalid scheme %q", ErrInvalidID, u.Scheme)
	}
	// A SPIFFE ID carries only a trust domain and a path; dropping other
	// URI components silently would let two distinct strings name the
	// same identity.
	if u.User != nil {
		return ID{}, fmt.Errorf("%w: user info is not allowed", ErrInvalidID)
	}
	if u.RawQuery != "" {
		return ID{}, fmt.Errorf("%w: query is not allowed", ErrInvalidID)
	}
	if u.Fragment != "" {
		return ID{}, fmt.Errorf("%w: fragment is not allowed", ErrInvalidID)
	}

	td, err := TrustDomainFromString(u.Host)
	if err != nil {
		return ID{}, err
	}

	segments := splitPath(u.Path)
	return FromSegments(td, segments...)
}

// FromSegments creates a SPIFFE ID from a trust domain and individual path
// segments, joined with "/".
//
// Each segment must be non-empty, must not be "." or "..", and must not
// embed a path separator. Violations wrap ErrInvalidID.
func FromSegments(td TrustDomain, segments ...string) (ID, error) {
	if td.IsZero() {
		return ID{}, fmt.Errorf("%w: trust domain is empty", ErrInvalidTrustDomain)
	}

	var path strings.Builder
	for _, segment := range segments {
		if err := validateSegment(segment); err != nil {
			return ID{}, err
		}
		path.WriteByte('/')
		path.WriteString(segment)
	}

	return ID{td: td, path: path.String()}, nil
}

// RequireFromString is like FromString but panics on error. Intended for
// static initialization with known-good values.
func RequireFromString(raw string) ID {
	id, err := FromString(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// TrustDomain returns the trust domain that scopes this ID.
func (id ID) TrustDomain() TrustDomain {
	return id.td
}

// Path returns the path component, e.g. "/workload/billing". Empty for an
// ID that names the trust domain itself.
func (id ID) Path() string {
	return id.path
}

// Segments returns the individual path segments in order.
func (id ID) Segments() []string {
	return splitPath(id.path)
}

// MemberOf reports whether this ID belongs to the given trust domain.
func (id ID) MemberOf(td TrustDomain) bool {
	return id.td == td
}

// String returns the canonical URI form, e.g.
// "spiffe://example.org/workload".
func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	return id.td.IDString() + id.path
}

// URL returns the ID as a parsed URL.
func (id ID) URL() *url.URL {
	return &url.URL{Scheme: scheme, Host: id.td.String(), Path: id.path}
}

// IsZero reports whether id is the zero (invalid) ID.
func (id ID) IsZero() bool {
	return id.td.IsZero()
}

func validateSegment(segment string) error {
	switch {
	case segment == "":
		return fmt.Errorf("%w: path segment cannot be empty", ErrInvalidID)
	case segment == "." || segment == "..":
		return fmt.Errorf("%w: path segment cannot be relative (%q)", ErrInvalidID, segment)
	case strings.Contains(segment, "/"):
		return fmt.Errorf("%w: path segment cannot contain a separator (%q)", ErrInvalidID, segment)
	}
	return nil
}

// splitPath splits a URI path into its raw segments. Only the single
// leading separator is stripped, so malformed paths like "//a" or "/a/"
// surface their empty segments to validation instead of being collapsed.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(path, "/"), "/")
}
