package identitytls_test

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxlambrecht/java-spiffe-1/internal/testca"
	"github.com/maxlambrecht/java-spiffe-1/pkg/bundle/x509bundle"
	"github.com/maxlambrecht/java-spiffe-1/pkg/identitytls"
	"github.com/maxlambrecht/java-spiffe-1/pkg/spiffeid"
	"github.com/maxlambrecht/java-spiffe-1/pkg/svid/x509svid"
)

// fakeSource serves a fixed SVID and bundle set, standing in for a live
// identity source.
type fakeSource struct {
	svid    *x509svid.SVID
	bundles *x509bundle.Set
}

func (s *fakeSource) GetX509SVID() (*x509svid.SVID, error) {
	return s.svid, nil
}

func (s *fakeSource) GetX509BundleForTrustDomain(td spiffeid.TrustDomain) (*x509bundle.Bundle, error) {
	return s.bundles.GetX509BundleForTrustDomain(td)
}

func newFakeSource(t *testing.T, ca *testca.CA, id spiffeid.ID) *fakeSource {
	t.Helper()
	return &fakeSource{
		svid:    ca.CreateX509SVID(t, id),
		bundles: x509bundle.NewSet(ca.Bundle(t)),
	}
}

func TestNewServerConfig(t *testing.T) {
	t.Parallel()

	ca := testca.New(t, exampleTD)
	source := newFakeSource(t, ca, workloadID)

	config, err := identitytls.NewServerConfig(source, identitytls.AuthorizeAny())
	require.NoError(t, err)

	assert.Equal(t, uint16(tls.VersionTLS13), config.MinVersion)
	assert.Equal(t, tls.RequireAnyClientCert, config.ClientAuth)
	assert.NotNil(t, config.GetCertificate)
	assert.NotNil(t, config.VerifyPeerCertificate)
}

func TestNewClientConfig(t *testing.T) {
	t.Parallel()

	ca := testca.New(t, exampleTD)
	source := newFakeSource(t, ca, workloadID)

	config, err := identitytls.NewClientConfig(source, identitytls.AuthorizeAny())
	require.NoError(t, err)

	assert.Equal(t, uint16(tls.VersionTLS13), config.MinVersion)
	assert.True(t, config.InsecureSkipVerify)
	assert.NotNil(t, config.GetClientCertificate)
	assert.NotNil(t, config.VerifyPeerCertificate)
}

func TestNewConfigs_NilArguments(t *testing.T) {
	t.Parallel()

	ca := testca.New(t, exampleTD)
	source := newFakeSource(t, ca, workloadID)

	_, err := identitytls.NewServerConfig(nil, identitytls.AuthorizeAny())
	require.Error(t, err)
	_, err = identitytls.NewServerConfig(source, nil)
	require.Error(t, err)
	_, err = identitytls.NewClientConfig(nil, identitytls.AuthorizeAny())
	require.Error(t, err)
	_, err = identitytls.NewClientConfig(source, nil)
	require.Error(t, err)
}

func rawChain(svid *x509svid.SVID) [][]byte {
	var raw [][]byte
	for _, cert := range svid.Certificates {
		raw = append(raw, cert.Raw)
	}
	return raw
}

func TestVerifyPeerCertificate_TrustedAndAuthorized(t *testing.T) {
	t.Parallel()

	ca := testca.New(t, exampleTD)
	peer := ca.CreateX509SVID(t, workloadID)
	bundles := x509bundle.NewSet(ca.Bundle(t))

	verify := identitytls.VerifyPeerCertificate(bundles, identitytls.AuthorizeID(workloadID), x509.ExtKeyUsageClientAuth)
	assert.NoError(t, verify(rawChain(peer), nil))
}

func TestVerifyPeerCertificate_TrustedButUnauthorized(t *testing.T) {
	t.Parallel()

	ca := testca.New(t, exampleTD)
	peer := ca.CreateX509SVID(t, workloadID)
	bundles := x509bundle.NewSet(ca.Bundle(t))

	// The chain verifies fine; only the policy rejects, and the error says
	// so rather than reporting a trust failure.
	verify := identitytls.VerifyPeerCertificate(bundles, identitytls.AuthorizeID(otherID), x509.ExtKeyUsageClientAuth)
	err := verify(rawChain(peer), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, identitytls.ErrUnauthorized)
	assert.NotErrorIs(t, err, identitytls.ErrUntrustedPeer)
}

func TestVerifyPeerCertificate_UntrustedChain(t *testing.T) {
	t.Parallel()

	ca := testca.New(t, exampleTD)
	impostorCA := testca.New(t, exampleTD)
	peer := impostorCA.CreateX509SVID(t, workloadID)
	bundles := x509bundle.NewSet(ca.Bundle(t))

	verify := identitytls.VerifyPeerCertificate(bundles, identitytls.AuthorizeAny(), x509.ExtKeyUsageClientAuth)
	err := verify(rawChain(peer), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, identitytls.ErrUntrustedPeer)
}

func TestVerifyPeerCertificate_NoBundleForPeerTrustDomain(t *testing.T) {
	t.Parallel()

	// The peer is from other.org; only example.org's bundle is known.
	// Trust evaluation must not fall back to another domain's anchors.
	exampleCA := testca.New(t, exampleTD)
	otherCA := testca.New(t, spiffeid.RequireTrustDomainFromString("other.org"))
	peer := otherCA.CreateX509SVID(t, foreignID)
	bundles := x509bundle.NewSet(exampleCA.Bundle(t))

	verify := identitytls.VerifyPeerCertificate(bundles, identitytls.AuthorizeAny(), x509.ExtKeyUsageClientAuth)
	err := verify(rawChain(peer), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, x509bundle.ErrNoBundleForTrustDomain)
}

func TestVerifyPeerCertificate_NoPeerCertificate(t *testing.T) {
	t.Parallel()

	ca := testca.New(t, exampleTD)
	bundles := x509bundle.NewSet(ca.Bundle(t))

	verify := identitytls.VerifyPeerCertificate(bundles, identitytls.AuthorizeAny(), x509.ExtKeyUsageClientAuth)
	err := verify(nil, nil)
	assert.ErrorIs(t, err, identitytls.ErrNoPeerCertificate)
}

func TestVerifyPeerCertificate_LeafWithoutSPIFFEID(t *testing.T) {
	t.Parallel()

	ca := testca.New(t, exampleTD)
	bundles := x509bundle.NewSet(ca.Bundle(t))

	verify := identitytls.VerifyPeerCertificate(bundles, identitytls.AuthorizeAny(), x509.ExtKeyUsageClientAuth)
	err := verify([][]byte{ca.Cert.Raw}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, identitytls.ErrUntrustedPeer)
}

func TestGetCertificate_ServesCurrentSVID(t *testing.T) {
	t.Parallel()

	ca := testca.New(t, exampleTD)
	source := newFakeSource(t, ca, workloadID)

	getCert := identitytls.GetCertificate(source)
	cert, err := getCert(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Equal(t, source.svid.Leaf().Raw, cert.Certificate[0])

	// Rotation: the next handshake sees the new identity with no rebuild
	// of the tls.Config.
	source.svid = ca.CreateX509SVID(t, otherID)
	cert, err = getCert(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Equal(t, source.svid.Leaf().Raw, cert.Certificate[0])
}

// handshake runs a full mTLS handshake over an in-memory pipe and returns
// both sides' results.
func handshake(t *testing.T, clientConfig, serverConfig *tls.Config) (clientErr, serverErr error) {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	deadline := time.Now().Add(10 * time.Second)
	require.NoError(t, clientSide.SetDeadline(deadline))
	require.NoError(t, serverSide.SetDeadline(deadline))

	serverDone := make(chan error, 1)
	go func() {
		conn := tls.Server(serverSide, serverConfig)
		defer conn.Close()
		serverDone <- conn.Handshake()
	}()

	clientConn := tls.Client(clientSide, clientConfig)
	defer clientConn.Close()
	clientErr = clientConn.Handshake()
	serverErr = <-serverDone
	return clientErr, serverErr
}

func TestMutualTLS_Handshake(t *testing.T) {
	t.Parallel()

	ca := testca.New(t, exampleTD)
	serverID := spiffeid.RequireFromString("spiffe://example.org/server")
	clientID := spiffeid.RequireFromString("spiffe://example.org/client")

	serverConfig, err := identitytls.NewServerConfig(newFakeSource(t, ca, serverID), identitytls.AuthorizeID(clientID))
	require.NoError(t, err)
	clientConfig, err := identitytls.NewClientConfig(newFakeSource(t, ca, clientID), identitytls.AuthorizeID(serverID))
	require.NoError(t, err)

	clientErr, serverErr := handshake(t, clientConfig, serverConfig)
	assert.NoError(t, clientErr)
	assert.NoError(t, serverErr)
}

func TestMutualTLS_ServerRejectsUnauthorizedClient(t *testing.T) {
	t.Parallel()

	ca := testca.New(t, exampleTD)
	serverID := spiffeid.RequireFromString("spiffe://example.org/server")
	clientID := spiffeid.RequireFromString("spiffe://example.org/client")

	serverConfig, err := identitytls.NewServerConfig(newFakeSource(t, ca, serverID), identitytls.AuthorizeID(otherID))
	require.NoError(t, err)
	clientConfig, err := identitytls.NewClientConfig(newFakeSource(t, ca, clientID), identitytls.AuthorizeID(serverID))
	require.NoError(t, err)

	// In TLS 1.3 the client may finish before the server's rejection alert
	// lands, so only the server side's error is asserted.
	_, serverErr := handshake(t, clientConfig, serverConfig)
	require.Error(t, serverErr)
	assert.ErrorIs(t, serverErr, identitytls.ErrUnauthorized)
}

func TestMutualTLS_ClientRejectsUntrustedServer(t *testing.T) {
	t.Parallel()

	serverCA := testca.New(t, exampleTD)
	clientCA := testca.New(t, exampleTD)
	serverID := spiffeid.RequireFromString("spiffe://example.org/server")
	clientID := spiffeid.RequireFromString("spiffe://example.org/client")

	// The client only trusts its own CA for example.org, so the server's
	// chain cannot verify.
	serverConfig, err := identitytls.NewServerConfig(newFakeSource(t, serverCA, serverID), identitytls.AuthorizeAny())
	require.NoError(t, err)
	clientConfig, err := identitytls.NewClientConfig(newFakeSource(t, clientCA, clientID), identitytls.AuthorizeAny())
	require.NoError(t, err)

	clientErr, _ := handshake(t, clientConfig, serverConfig)
	require.Error(t, clientErr)
	assert.ErrorIs(t, clientErr, identitytls.ErrUntrustedPeer)
}
