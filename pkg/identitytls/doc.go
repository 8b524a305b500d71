// Package identitytls bridges a live X.509 identity source into the
// standard crypto/tls extension points.
//
// Key supply and trust evaluation are both read-only consumers of a
// Source: certificates come from the source's current default SVID on
// every handshake (so rotation is visible on the next handshake with no
// restart), and peer chains are verified against the bundle of the peer's
// own trust domain before a SPIFFE ID authorization policy is applied.
//
// Every constructor takes its Source explicitly. There is no package-level
// default identity.
package identitytls
