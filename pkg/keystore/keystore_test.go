package keystore_test

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxlambrecht/java-spiffe-1/internal/testca"
	"github.com/maxlambrecht/java-spiffe-1/pkg/bundle/x509bundle"
	"github.com/maxlambrecht/java-spiffe-1/pkg/keystore"
	"github.com/maxlambrecht/java-spiffe-1/pkg/spiffeid"
	"github.com/maxlambrecht/java-spiffe-1/pkg/svid/x509svid"
	"github.com/maxlambrecht/java-spiffe-1/pkg/workloadapi"
)

var (
	exampleTD  = spiffeid.RequireTrustDomainFromString("example.org")
	workloadID = spiffeid.RequireFromString("spiffe://example.org/workload")
)

func newX509Context(svid *x509svid.SVID, bundles ...*x509bundle.Bundle) *workloadapi.X509Context {
	return &workloadapi.X509Context{
		SVIDs:   []*x509svid.SVID{svid},
		Bundles: x509bundle.NewSet(bundles...),
	}
}

func readPEMCerts(t *testing.T, path string) []*x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		require.Equal(t, "CERTIFICATE", block.Type)
		cert, err := x509.ParseCertificate(block.Bytes)
		require.NoError(t, err)
		certs = append(certs, cert)
	}
	return certs
}

func TestNew_RequiresExistingDirectory(t *testing.T) {
	t.Parallel()

	_, err := keystore.New(keystore.Config{})
	require.Error(t, err)

	_, err = keystore.New(keystore.Config{Dir: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
}

func TestStore_Write(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := keystore.New(keystore.Config{Dir: dir})
	require.NoError(t, err)

	ca := testca.New(t, exampleTD)
	svid := ca.CreateX509SVID(t, workloadID)
	require.NoError(t, store.Write(newX509Context(svid, ca.Bundle(t))))

	chain := readPEMCerts(t, filepath.Join(dir, "svid.pem"))
	require.Len(t, chain, 1)
	assert.True(t, chain[0].Equal(svid.Leaf()))

	bundleCerts := readPEMCerts(t, filepath.Join(dir, "bundle.pem"))
	require.Len(t, bundleCerts, 1)
	assert.True(t, bundleCerts[0].Equal(ca.Cert))

	keyPath := filepath.Join(dir, "svid_key.pem")
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	keyData, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	block, _ := pem.Decode(keyData)
	require.NotNil(t, block)
	assert.Equal(t, "PRIVATE KEY", block.Type)
	_, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	require.NoError(t, err)
}

func TestStore_Write_CustomFileNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := keystore.New(keystore.Config{
		Dir:        dir,
		SVIDFile:   "tls.crt",
		KeyFile:    "tls.key",
		BundleFile: "ca.crt",
	})
	require.NoError(t, err)

	ca := testca.New(t, exampleTD)
	svid := ca.CreateX509SVID(t, workloadID)
	require.NoError(t, store.Write(newX509Context(svid, ca.Bundle(t))))

	for _, name := range []string{"tls.crt", "tls.key", "ca.crt"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestStore_Write_FederatedBundles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ca := testca.New(t, exampleTD)
	federatedCA := testca.New(t, spiffeid.RequireTrustDomainFromString("federated.org"))
	svid := ca.CreateX509SVID(t, workloadID)
	x509Context := newX509Context(svid, ca.Bundle(t), federatedCA.Bundle(t))

	// Federated bundles are skipped unless opted in.
	store, err := keystore.New(keystore.Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, store.Write(x509Context))
	_, err = os.Stat(filepath.Join(dir, "bundle.federated.org.pem"))
	assert.True(t, os.IsNotExist(err))

	store, err = keystore.New(keystore.Config{Dir: dir, WriteFederated: true})
	require.NoError(t, err)
	require.NoError(t, store.Write(x509Context))

	federated := readPEMCerts(t, filepath.Join(dir, "bundle.federated.org.pem"))
	require.Len(t, federated, 1)
	assert.True(t, federated[0].Equal(federatedCA.Cert))
}

func TestStore_Write_RemovesDroppedFederatedBundles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := keystore.New(keystore.Config{Dir: dir, WriteFederated: true})
	require.NoError(t, err)

	ca := testca.New(t, exampleTD)
	federatedCA := testca.New(t, spiffeid.RequireTrustDomainFromString("federated.org"))
	svid := ca.CreateX509SVID(t, workloadID)
	require.NoError(t, store.Write(newX509Context(svid, ca.Bundle(t), federatedCA.Bundle(t))))

	federatedPath := filepath.Join(dir, "bundle.federated.org.pem")
	_, err = os.Stat(federatedPath)
	require.NoError(t, err)

	// A later update without the federated trust domain must not leave its
	// old anchors behind.
	require.NoError(t, store.Write(newX509Context(svid, ca.Bundle(t))))
	_, err = os.Stat(federatedPath)
	assert.True(t, os.IsNotExist(err))

	bundleCerts := readPEMCerts(t, filepath.Join(dir, "bundle.pem"))
	require.Len(t, bundleCerts, 1)
	assert.True(t, bundleCerts[0].Equal(ca.Cert))
}

func TestStore_OnUpdate_ReplacesFilesOnRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := keystore.New(keystore.Config{Dir: dir})
	require.NoError(t, err)

	ca := testca.New(t, exampleTD)
	store.OnUpdate(newX509Context(ca.CreateX509SVID(t, workloadID), ca.Bundle(t)))

	rotated := ca.CreateX509SVID(t, workloadID)
	store.OnUpdate(newX509Context(rotated, ca.Bundle(t)))

	chain := readPEMCerts(t, filepath.Join(dir, "svid.pem"))
	require.Len(t, chain, 1)
	assert.True(t, chain[0].Equal(rotated.Leaf()))
}
