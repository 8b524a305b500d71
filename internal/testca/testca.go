// Package testca mints in-memory certificate authorities and SVIDs for
// tests. Nothing here is safe for production use.
package testca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/url"
	"testing"
	"time"

	"github.com/spiffe/go-spiffe/v2/proto/spiffe/workload"
	"github.com/stretchr/testify/require"

	"github.com/maxlambrecht/java-spiffe-1/pkg/bundle/x509bundle"
	"github.com/maxlambrecht/java-spiffe-1/pkg/spiffeid"
	"github.com/maxlambrecht/java-spiffe-1/pkg/svid/x509svid"
)

// CA is an in-memory certificate authority for one trust domain.
type CA struct {
	TrustDomain spiffeid.TrustDomain
	Cert        *x509.Certificate
	Key         *ecdsa.PrivateKey
}

// New creates a CA for the given trust domain.
func New(t *testing.T, td spiffeid.TrustDomain) *CA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          nextSerial(t),
		Subject:               pkix.Name{CommonName: "CA " + td.String()},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &CA{TrustDomain: td, Cert: cert, Key: key}
}

// Bundle returns this CA's single-authority trust bundle.
func (ca *CA) Bundle(t *testing.T) *x509bundle.Bundle {
	t.Helper()
	bundle, err := x509bundle.FromX509Authorities(ca.TrustDomain, []*x509.Certificate{ca.Cert})
	require.NoError(t, err)
	return bundle
}

// CreateX509SVID issues an SVID for the given SPIFFE ID, signed by this CA.
func (ca *CA) CreateX509SVID(t *testing.T, id spiffeid.ID) *x509svid.SVID {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          nextSerial(t),
		Subject:               pkix.Name{CommonName: id.String()},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		URIs:                  []*url.URL{id.URL()},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.Key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &x509svid.SVID{ID: id, Certificates: []*x509.Certificate{leaf}, PrivateKey: key}
}

// WireSVID encodes an SVID plus this CA's bundle as a Workload API wire
// message entry.
func (ca *CA) WireSVID(t *testing.T, svid *x509svid.SVID) *workload.X509SVID {
	t.Helper()

	keyDER, err := x509.MarshalPKCS8PrivateKey(svid.PrivateKey)
	require.NoError(t, err)

	var chainDER []byte
	for _, cert := range svid.Certificates {
		chainDER = append(chainDER, cert.Raw...)
	}
	return &workload.X509SVID{
		SpiffeId:    svid.ID.String(),
		X509Svid:    chainDER,
		X509SvidKey: keyDER,
		Bundle:      ca.Cert.Raw,
	}
}

// WireResponse encodes one Workload API response carrying SVIDs issued by
// this CA.
func (ca *CA) WireResponse(t *testing.T, svids ...*x509svid.SVID) *workload.X509SVIDResponse {
	t.Helper()
	resp := &workload.X509SVIDResponse{}
	for _, svid := range svids {
		resp.Svids = append(resp.Svids, ca.WireSVID(t, svid))
	}
	return resp
}

func nextSerial(t *testing.T) *big.Int {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	require.NoError(t, err)
	return serial
}
