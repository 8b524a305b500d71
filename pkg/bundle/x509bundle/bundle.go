// Package x509bundle models X.509 trust bundles: the sets of trust-anchor
// (CA) certificates used to validate SVIDs, keyed by trust domain.
package x509bundle

import (
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/maxlambrecht/java-spiffe-1/pkg/spiffeid"
)

// ErrNoBundleForTrustDomain indicates that no bundle is known for the
// requested trust domain. Trust evaluation treats this as terminal: a
// missing bundle never falls back to another domain's anchors.
var ErrNoBundleForTrustDomain = errors.New("no X.509 bundle found for trust domain")

// Source is a keyed lookup of X.509 bundles by trust domain.
//
// Implementations must be safe for concurrent use; lookups are performed on
// the TLS handshake path and must not block on I/O.
type Source interface {
	// GetX509BundleForTrustDomain returns the bundle for the given trust
	// domain, or an error wrapping ErrNoBundleForTrustDomain if none is
	// known.
	GetX509BundleForTrustDomain(td spiffeid.TrustDomain) (*Bundle, error)
}

// Bundle is the set of trust-anchor certificates for one trust domain.
//
// A Bundle is immutable once constructed and therefore safe to share across
// goroutines. Rotation replaces whole bundles; it never mutates them.
type Bundle struct {
	trustDomain spiffeid.TrustDomain
	authorities []*x509.Certificate
}

// FromX509Authorities creates a Bundle from parsed CA certificates.
//
// The set must be non-empty and every entry must be a CA certificate;
// anything else fails, so a malformed update can never produce a bundle
// that silently validates nothing (or too much).
func FromX509Authorities(td spiffeid.TrustDomain, authorities []*x509.Certificate) (*Bundle, error) {
	if td.IsZero() {
		return nil, errors.New("x509bundle: trust domain is empty")
	}
	if len(authorities) == 0 {
		return nil, fmt.Errorf("x509bundle: no authorities for trust domain %q", td)
	}
	for _, authority := range authorities {
		if !authority.IsCA {
			return nil, fmt.Errorf("x509bundle: authority %q for trust domain %q is not a CA certificate",
				authority.Subject, td)
		}
	}
	return &Bundle{
		trustDomain: td,
		authorities: append([]*x509.Certificate(nil), authorities...),
	}, nil
}

// ParseRaw creates a Bundle from concatenated ASN.1 DER certificates, the
// encoding used by the Workload API wire protocol.
func ParseRaw(td spiffeid.TrustDomain, bundleDER []byte) (*Bundle, error) {
	certs, err := x509.ParseCertificates(bundleDER)
	if err != nil {
		return nil, fmt.Errorf("x509bundle: cannot parse authorities for trust domain %q: %w", td, err)
	}
	return FromX509Authorities(td, certs)
}

// TrustDomain returns the trust domain these authorities belong to.
func (b *Bundle) TrustDomain() spiffeid.TrustDomain {
	return b.trustDomain
}

// X509Authorities returns a copy of the trust-anchor certificates.
func (b *Bundle) X509Authorities() []*x509.Certificate {
	return append([]*x509.Certificate(nil), b.authorities...)
}

// CertPool returns the authorities as a pool usable as x509.VerifyOptions
// roots.
func (b *Bundle) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, authority := range b.authorities {
		pool.AddCert(authority)
	}
	return pool
}

// GetX509BundleForTrustDomain implements Source for a single-domain bundle.
func (b *Bundle) GetX509BundleForTrustDomain(td spiffeid.TrustDomain) (*Bundle, error) {
	if b.trustDomain != td {
		return nil, fmt.Errorf("%w: %q", ErrNoBundleForTrustDomain, td)
	}
	return b, nil
}
