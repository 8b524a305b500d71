// Package workloadapi implements the client side of the SPIFFE Workload
// API: the local endpoint from which a workload obtains its X509-SVIDs and
// trust bundles.
//
// Client speaks the streaming gRPC protocol directly: one-shot fetches,
// long-lived cancellable watches, and conversion of wire responses into the
// domain types of pkg/svid/x509svid and pkg/bundle/x509bundle. It applies
// no retry policy of its own; reconnection belongs to the caller.
//
// X509Source sits on top of a Client and is the long-lived, concurrently
// readable cache of the current identity materials. It re-establishes its
// watch under a retry.Policy when the stream drops, swaps whole contexts
// atomically, and serves every read from memory so TLS handshakes never
// block on network I/O.
package workloadapi
