package x509bundle

import (
	"fmt"
	"sort"

	"github.com/maxlambrecht/java-spiffe-1/pkg/spiffeid"
)

// Set is an immutable collection of bundles keyed by trust domain.
//
// A Set is built once per Workload API update and swapped in as a whole, so
// readers never observe a partially populated bundle map.
type Set struct {
	bundles map[spiffeid.TrustDomain]*Bundle
}

// NewSet creates a Set from the given bundles. A later bundle for the same
// trust domain replaces an earlier one.
func NewSet(bundles ...*Bundle) *Set {
	byDomain := make(map[spiffeid.TrustDomain]*Bundle, len(bundles))
	for _, b := range bundles {
		byDomain[b.TrustDomain()] = b
	}
	return &Set{bundles: byDomain}
}

// GetX509BundleForTrustDomain implements Source.
func (s *Set) GetX509BundleForTrustDomain(td spiffeid.TrustDomain) (*Bundle, error) {
	b, ok := s.bundles[td]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoBundleForTrustDomain, td)
	}
	return b, nil
}

// Has reports whether the set holds a bundle for the given trust domain.
func (s *Set) Has(td spiffeid.TrustDomain) bool {
	_, ok := s.bundles[td]
	return ok
}

// Bundles returns the bundles sorted by trust domain name.
func (s *Set) Bundles() []*Bundle {
	out := make([]*Bundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TrustDomain().Compare(out[j].TrustDomain()) < 0
	})
	return out
}

// Len returns the number of bundles in the set.
func (s *Set) Len() int {
	return len(s.bundles)
}
