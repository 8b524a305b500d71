package identitytls

import "errors"

// Sentinel errors for handshake-time trust evaluation. All of them are
// terminal for the handshake in which they occur; none is retried and none
// falls back to a permissive default.
var (
	// ErrNoPeerCertificate indicates the peer presented no certificate.
	ErrNoPeerCertificate = errors.New("no peer certificate presented")

	// ErrUntrustedPeer indicates a peer whose leaf certificate carries no
	// valid SPIFFE ID, or whose chain does not verify against the bundle
	// of its claimed trust domain.
	ErrUntrustedPeer = errors.New("peer certificate is untrusted")

	// ErrUnauthorized indicates a peer that verified cryptographically but
	// was rejected by the authorization policy. Distinct from
	// ErrUntrustedPeer so policy rejections are diagnosable as such.
	ErrUnauthorized = errors.New("peer SPIFFE ID is not authorized")
)
