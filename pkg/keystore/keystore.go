// Package keystore persists the workload's identity materials to disk as
// PEM files, keeping them in sync with rotation.
//
// A Store implements the same watcher interface the TLS bridge consumes,
// so it attaches to a live identity source with X509Source.Subscribe (or
// directly to a Client watch) and rewrites its files on every update.
package keystore

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/maxlambrecht/java-spiffe-1/pkg/logger"
	"github.com/maxlambrecht/java-spiffe-1/pkg/workloadapi"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "PRIVATE KEY"
)

// Config configures a Store. Dir is required; file names default to the
// spiffe-helper conventions.
type Config struct {
	// Dir is the directory the files are written into. It must exist.
	Dir string

	// SVIDFile holds the default SVID's chain, leaf first.
	// Defaults to "svid.pem".
	SVIDFile string

	// KeyFile holds the default SVID's PKCS#8 private key, written with
	// mode 0600. Defaults to "svid_key.pem".
	KeyFile string

	// BundleFile holds the trust bundle of the default SVID's own trust
	// domain. Defaults to "bundle.pem".
	BundleFile string

	// WriteFederated also writes every other known trust domain's bundle
	// as "bundle.<trust domain>.pem".
	WriteFederated bool

	// Logger receives store diagnostics. Defaults to logger.Null.
	Logger logger.Logger
}

// Store writes identity materials to disk. It implements
// workloadapi.X509ContextWatcher.
//
// Each file is written to a temporary sibling and renamed into place, so a
// reader never observes a partially written file.
type Store struct {
	dir            string
	svidFile       string
	keyFile        string
	bundleFile     string
	writeFederated bool
	log            logger.Logger

	mu sync.Mutex
	// federated tracks the per-domain bundle files this store has written,
	// so a domain that drops out of a later update does not leave stale
	// anchors on disk.
	federated map[string]struct{}
}

// New creates a Store for the given configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("keystore: directory is required")
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("keystore: %q is not a directory", cfg.Dir)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Null
	}
	return &Store{
		dir:            cfg.Dir,
		svidFile:       defaultName(cfg.SVIDFile, "svid.pem"),
		keyFile:        defaultName(cfg.KeyFile, "svid_key.pem"),
		bundleFile:     defaultName(cfg.BundleFile, "bundle.pem"),
		writeFederated: cfg.WriteFederated,
		log:            log,
		federated:      make(map[string]struct{}),
	}, nil
}

// OnUpdate persists the context's default SVID, key and bundles.
func (s *Store) OnUpdate(x509Context *workloadapi.X509Context) {
	if err := s.Write(x509Context); err != nil {
		s.log.Errorf("keystore: cannot persist X.509 context: %v", err)
	}
}

// OnError logs the watch failure; the files on disk keep the last good
// materials.
func (s *Store) OnError(err error) {
	s.log.Warnf("keystore: identity watch failed: %v", err)
}

// Write persists one X.509 context to disk.
func (s *Store) Write(x509Context *workloadapi.X509Context) error {
	svid := x509Context.DefaultSVID()

	keyDER, err := x509.MarshalPKCS8PrivateKey(svid.PrivateKey)
	if err != nil {
		return fmt.Errorf("keystore: cannot marshal private key: %w", err)
	}

	if err := s.writeFile(s.svidFile, chainPEM(svid.Certificates), 0o644); err != nil {
		return err
	}
	if err := s.writeFile(s.keyFile, pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: keyDER}), 0o600); err != nil {
		return err
	}

	ownDomain := svid.ID.TrustDomain()
	written := make(map[string]struct{})
	for _, bundle := range x509Context.Bundles.Bundles() {
		switch {
		case bundle.TrustDomain() == ownDomain:
			if err := s.writeFile(s.bundleFile, chainPEM(bundle.X509Authorities()), 0o644); err != nil {
				return err
			}
		case s.writeFederated:
			if err := s.writeFile(federatedFileName(bundle.TrustDomain().String()), chainPEM(bundle.X509Authorities()), 0o644); err != nil {
				return err
			}
			written[bundle.TrustDomain().String()] = struct{}{}
		}
	}
	if err := s.pruneFederated(written); err != nil {
		return err
	}

	s.log.Debugf("keystore: persisted identity %s", svid.ID)
	return nil
}

// pruneFederated removes bundle files written on earlier updates for trust
// domains no longer present, so stale anchors never outlive the context
// that carried them.
func (s *Store) pruneFederated(written map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for domain := range s.federated {
		if _, ok := written[domain]; ok {
			continue
		}
		path := filepath.Join(s.dir, federatedFileName(domain))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("keystore: removing stale bundle for %q: %w", domain, err)
		}
		s.log.Debugf("keystore: removed stale bundle for %s", domain)
	}
	s.federated = written
	return nil
}

func federatedFileName(domain string) string {
	return "bundle." + domain + ".pem"
}

// writeFile writes atomically: temp file in the same directory, then
// rename over the destination.
func (s *Store) writeFile(name string, data []byte, mode os.FileMode) error {
	dest := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp*")
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("keystore: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("keystore: writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keystore: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("keystore: %w", err)
	}
	return nil
}

func chainPEM(certs []*x509.Certificate) []byte {
	var out []byte
	for _, cert := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: cert.Raw})...)
	}
	return out
}

func defaultName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

var _ workloadapi.X509ContextWatcher = (*Store)(nil)
