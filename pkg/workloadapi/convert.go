package workloadapi

import (
	"errors"
	"fmt"

	"github.com/spiffe/go-spiffe/v2/proto/spiffe/workload"

	"github.com/maxlambrecht/java-spiffe-1/pkg/bundle/x509bundle"
	"github.com/maxlambrecht/java-spiffe-1/pkg/spiffeid"
	"github.com/maxlambrecht/java-spiffe-1/pkg/svid/x509svid"
)

// parseX509Context converts a wire response into an X509Context.
//
// Conversion fails closed: a response with zero SVIDs, a malformed chain or
// bundle, an unparsable key, or a SPIFFE ID mismatch yields an error and no
// context is published.
func parseX509Context(resp *workload.X509SVIDResponse) (*X509Context, error) {
	if len(resp.Svids) == 0 {
		return nil, errors.New("workloadapi: X.509 SVID response contains no SVIDs")
	}

	svids := make([]*x509svid.SVID, 0, len(resp.Svids))
	var bundles []*x509bundle.Bundle

	for _, wireSVID := range resp.Svids {
		id, err := spiffeid.FromString(wireSVID.SpiffeId)
		if err != nil {
			return nil, fmt.Errorf("workloadapi: response SVID has invalid SPIFFE ID %q: %w", wireSVID.SpiffeId, err)
		}

		svid, err := x509svid.ParseRaw(wireSVID.X509Svid, wireSVID.X509SvidKey)
		if err != nil {
			return nil, fmt.Errorf("workloadapi: response SVID %q is malformed: %w", id, err)
		}
		if svid.ID != id {
			return nil, fmt.Errorf("workloadapi: response SVID certificate encodes %q, not the declared %q", svid.ID, id)
		}

		bundle, err := x509bundle.ParseRaw(id.TrustDomain(), wireSVID.Bundle)
		if err != nil {
			return nil, fmt.Errorf("workloadapi: response bundle for %q is malformed: %w", id.TrustDomain(), err)
		}

		svids = append(svids, svid)
		bundles = append(bundles, bundle)
	}

	for name, bundleDER := range resp.FederatedBundles {
		td, err := spiffeid.TrustDomainFromString(name)
		if err != nil {
			return nil, fmt.Errorf("workloadapi: federated bundle has invalid trust domain %q: %w", name, err)
		}
		bundle, err := x509bundle.ParseRaw(td, bundleDER)
		if err != nil {
			return nil, fmt.Errorf("workloadapi: federated bundle for %q is malformed: %w", td, err)
		}
		bundles = append(bundles, bundle)
	}

	return &X509Context{SVIDs: svids, Bundles: x509bundle.NewSet(bundles...)}, nil
}
