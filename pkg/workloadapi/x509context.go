package workloadapi

import (
	"github.com/maxlambrecht/java-spiffe-1/pkg/bundle/x509bundle"
	"github.com/maxlambrecht/java-spiffe-1/pkg/svid/x509svid"
)

// X509Context is one complete update from the Workload API: every X509-SVID
// issued to the workload plus the bundles of all trust domains known at
// that instant.
//
// A context is immutable. Rotation produces a new context that replaces the
// old one atomically; consumers never see SVIDs from one update mixed with
// bundles from another.
type X509Context struct {
	// SVIDs holds the workload's X509-SVIDs in the order they were
	// received. The first is the default identity.
	SVIDs []*x509svid.SVID

	// Bundles maps every known trust domain, including federated ones, to
	// its trust bundle. Every SVID's own trust domain has an entry.
	Bundles *x509bundle.Set
}

// DefaultSVID returns the default X509-SVID (the first in the list, per the
// Workload API specification).
func (x *X509Context) DefaultSVID() *x509svid.SVID {
	return x.SVIDs[0]
}
