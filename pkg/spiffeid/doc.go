// Package spiffeid provides the SPIFFE identity value types: TrustDomain
// and ID.
//
// Both types are immutable values with strict parsing rules; trust
// evaluation elsewhere in this module depends on these rules being exact.
// Construction either succeeds with a normalized value or fails with an
// error wrapping ErrInvalidTrustDomain or ErrInvalidID - there are no
// partially valid identities.
package spiffeid
