package identitytls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/maxlambrecht/java-spiffe-1/pkg/bundle/x509bundle"
	"github.com/maxlambrecht/java-spiffe-1/pkg/spiffeid"
	"github.com/maxlambrecht/java-spiffe-1/pkg/svid/x509svid"
)

// Source supplies the local identity and the trust bundles used to verify
// peers. workloadapi.X509Source implements it.
//
// Both methods are called on the TLS handshake path, potentially from many
// handshakes at once, and must serve from in-memory state without blocking
// on network I/O.
type Source interface {
	x509svid.Source
	x509bundle.Source
}

// NewServerConfig returns a TLS configuration for an mTLS server whose
// identity comes from source and whose clients are verified as SPIFFE
// peers and authorized by authorizer.
//
// The server certificate is fetched from the source on every handshake, so
// a rotated SVID is served on the next handshake with no restart. Client
// chains are verified in VerifyPeerCertificate against the bundle of the
// client's own trust domain; the stock verifier is bypassed
// (RequireAnyClientCert) because it knows nothing of SPIFFE IDs,
// per-trust-domain bundles, or rotation.
func NewServerConfig(source Source, authorizer Authorizer) (*tls.Config, error) {
	if source == nil {
		return nil, errors.New("identitytls: source cannot be nil")
	}
	if authorizer == nil {
		return nil, errors.New("identitytls: authorizer cannot be nil")
	}
	return &tls.Config{
		MinVersion:            tls.VersionTLS13,
		ClientAuth:            tls.RequireAnyClientCert,
		GetCertificate:        GetCertificate(source),
		VerifyPeerCertificate: VerifyPeerCertificate(source, authorizer, x509.ExtKeyUsageClientAuth),
	}, nil
}

// NewClientConfig returns a TLS configuration for an mTLS client whose
// identity comes from source and which verifies the server as a SPIFFE
// peer authorized by authorizer.
//
// InsecureSkipVerify only disables the stock hostname/CA verification;
// VerifyPeerCertificate still runs and performs the full chain and policy
// check. SPIFFE peers are named by URI SAN, not hostname, so the stock
// check can never succeed against them.
func NewClientConfig(source Source, authorizer Authorizer) (*tls.Config, error) {
	if source == nil {
		return nil, errors.New("identitytls: source cannot be nil")
	}
	if authorizer == nil {
		return nil, errors.New("identitytls: authorizer cannot be nil")
	}
	return &tls.Config{
		MinVersion:            tls.VersionTLS13,
		InsecureSkipVerify:    true, //nolint:gosec // full verification happens in VerifyPeerCertificate
		GetClientCertificate:  GetClientCertificate(source),
		VerifyPeerCertificate: VerifyPeerCertificate(source, authorizer, x509.ExtKeyUsageServerAuth),
	}, nil
}

// GetCertificate returns a tls.Config callback serving the source's
// current default SVID to server handshakes.
func GetCertificate(source x509svid.Source) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return tlsCertificate(source)
	}
}

// GetClientCertificate returns a tls.Config callback serving the source's
// current default SVID to client handshakes.
func GetClientCertificate(source x509svid.Source) func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		return tlsCertificate(source)
	}
}

// VerifyPeerCertificate returns a tls.Config callback performing SPIFFE
// trust evaluation: extract the peer's SPIFFE ID from the leaf URI SAN,
// verify the presented chain against the bundle for the peer's own trust
// domain (never any other domain's), then apply the authorization policy.
func VerifyPeerCertificate(bundles x509bundle.Source, authorizer Authorizer, usage x509.ExtKeyUsage) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		id, err := verifyPeer(bundles, rawCerts, usage)
		if err != nil {
			return err
		}
		return authorizer(id)
	}
}

func tlsCertificate(source x509svid.Source) (*tls.Certificate, error) {
	svid, err := source.GetX509SVID()
	if err != nil {
		return nil, fmt.Errorf("identitytls: cannot get X509-SVID: %w", err)
	}

	cert := &tls.Certificate{
		PrivateKey: svid.PrivateKey,
		Leaf:       svid.Leaf(),
	}
	for _, c := range svid.Certificates {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	return cert, nil
}

func verifyPeer(bundles x509bundle.Source, rawCerts [][]byte, usage x509.ExtKeyUsage) (id spiffeid.ID, err error) {
	if len(rawCerts) == 0 {
		return id, ErrNoPeerCertificate
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return id, fmt.Errorf("%w: cannot parse leaf certificate: %v", ErrUntrustedPeer, err)
	}

	peerID, err := x509svid.IDFromCert(leaf)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrUntrustedPeer, err)
	}

	bundle, err := bundles.GetX509BundleForTrustDomain(peerID.TrustDomain())
	if err != nil {
		return id, err
	}

	intermediates := x509.NewCertPool()
	for _, rawCert := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(rawCert)
		if err != nil {
			return id, fmt.Errorf("%w: cannot parse intermediate certificate: %v", ErrUntrustedPeer, err)
		}
		intermediates.AddCert(cert)
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         bundle.CertPool(),
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	})
	if err != nil {
		return id, fmt.Errorf("%w: chain verification failed for %q: %v", ErrUntrustedPeer, peerID, err)
	}

	return peerID, nil
}
