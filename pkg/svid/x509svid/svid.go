// Package x509svid models the X509-SVID: a leaf identity certificate bound
// to a SPIFFE ID, together with its private key and intermediate chain.
package x509svid

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/maxlambrecht/java-spiffe-1/pkg/spiffeid"
)

// Source is a source of X509-SVIDs.
//
// Implementations must be safe for concurrent use; lookups are performed on
// the TLS handshake path and must not block on I/O.
type Source interface {
	// GetX509SVID returns the current default X509-SVID.
	GetX509SVID() (*SVID, error)
}

// SVID is an X509-SVID: the workload's SPIFFE ID, its certificate chain in
// issuance order (leaf first), and the leaf's private key.
//
// An SVID is immutable once constructed; rotation supersedes it with a new
// value. The private key is exclusively owned by the identity plumbing and
// must not be shared beyond the TLS handshake that uses it.
type SVID struct {
	// ID is the SPIFFE ID encoded in the leaf certificate's URI SAN.
	ID spiffeid.ID

	// Certificates is the certificate chain, leaf first followed by any
	// intermediates, in issuance order.
	Certificates []*x509.Certificate

	// PrivateKey is the leaf certificate's signing key.
	PrivateKey crypto.Signer
}

// ParseRaw creates an SVID from ASN.1 DER wire material: a concatenated
// certificate chain and a PKCS#8 private key.
//
// Parsing fails closed: a malformed chain, an unparsable key, a key that
// does not match the leaf certificate, or a leaf whose URI SAN does not
// decode to exactly one valid SPIFFE ID all yield an error and no SVID.
func ParseRaw(certsDER, keyDER []byte) (*SVID, error) {
	certs, err := x509.ParseCertificates(certsDER)
	if err != nil {
		return nil, fmt.Errorf("x509svid: cannot parse certificate chain: %w", err)
	}
	if len(certs) == 0 {
		return nil, errors.New("x509svid: empty certificate chain")
	}

	leaf := certs[0]
	id, err := IDFromCert(leaf)
	if err != nil {
		return nil, err
	}

	key, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("x509svid: cannot parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("x509svid: private key type %T cannot sign", key)
	}
	if err := keyMatches(signer, leaf); err != nil {
		return nil, err
	}

	return &SVID{ID: id, Certificates: certs, PrivateKey: signer}, nil
}

// Leaf returns the leaf (identity) certificate.
func (s *SVID) Leaf() *x509.Certificate {
	return s.Certificates[0]
}

// GetX509SVID implements Source for a static SVID.
func (s *SVID) GetX509SVID() (*SVID, error) {
	return s, nil
}

// IDFromCert extracts the SPIFFE ID from a leaf certificate's URI SAN.
// The certificate must carry exactly one URI SAN and it must be a valid
// SPIFFE ID.
func IDFromCert(cert *x509.Certificate) (spiffeid.ID, error) {
	switch len(cert.URIs) {
	case 0:
		return spiffeid.ID{}, errors.New("x509svid: certificate contains no URI SAN")
	case 1:
	default:
		return spiffeid.ID{}, errors.New("x509svid: certificate contains more than one URI SAN")
	}
	id, err := spiffeid.FromURI(cert.URIs[0])
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("x509svid: certificate URI SAN is not a SPIFFE ID: %w", err)
	}
	return id, nil
}

// keyMatches verifies that the private key's public part matches the leaf
// certificate's public key.
func keyMatches(signer crypto.Signer, leaf *x509.Certificate) error {
	equaler, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return fmt.Errorf("x509svid: unsupported leaf public key type %T", leaf.PublicKey)
	}
	if !equaler.Equal(signer.Public()) {
		return errors.New("x509svid: private key does not match leaf certificate")
	}
	return nil
}
