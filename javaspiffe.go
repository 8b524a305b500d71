// Package javaspiffe provides a config-file-driven API over the lower
// level packages: one call connects to the Workload API, waits for the
// workload's identity, and hands back TLS configurations that follow
// certificate rotation automatically.
//
// Quick start:
//
//	identity, err := javaspiffe.NewIdentity(ctx, "identity.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer identity.Close()
//
//	tlsCfg, err := identity.ServerTLSConfig()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server := &http.Server{Addr: ":8443", TLSConfig: tlsCfg}
//	server.ListenAndServeTLS("", "")
//
// Configuration:
//
//	workload:
//	  socket: unix:///tmp/spire-agent/public/api.sock
//	  initial_timeout: 30s
//	tls:
//	  authorized_ids:
//	    - spiffe://example.org/client
package javaspiffe

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/maxlambrecht/java-spiffe-1/internal/config"
	"github.com/maxlambrecht/java-spiffe-1/pkg/identitytls"
	"github.com/maxlambrecht/java-spiffe-1/pkg/workloadapi"
)

// Identity bundles a live X.509 identity source with the authorization
// policy loaded from configuration.
type Identity struct {
	// Source is the live identity source. It may be used directly, e.g.
	// to Subscribe a keystore.Store.
	Source *workloadapi.X509Source

	authorizer identitytls.Authorizer
}

// NewIdentity loads the configuration file, connects to the Workload API
// and blocks until the workload's first identity arrives (bounded by the
// configured initial_timeout and by ctx).
func NewIdentity(ctx context.Context, configPath string) (*Identity, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if cfg.Workload.InitialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Workload.InitialTimeout)
		defer cancel()
	}

	source, err := workloadapi.NewX509Source(ctx, workloadapi.X509SourceConfig{
		Address: cfg.Workload.Socket,
		Retry:   cfg.Workload.Retry.Policy(),
	})
	if err != nil {
		return nil, err
	}

	svid, err := source.GetX509SVID()
	if err != nil {
		_ = source.Close()
		return nil, err
	}
	authorizer, err := cfg.Authorizer(svid.ID.TrustDomain())
	if err != nil {
		_ = source.Close()
		return nil, err
	}

	return &Identity{Source: source, authorizer: authorizer}, nil
}

// ServerTLSConfig returns an mTLS server configuration backed by the
// identity source and the configured authorization policy.
func (id *Identity) ServerTLSConfig() (*tls.Config, error) {
	return identitytls.NewServerConfig(id.Source, id.authorizer)
}

// ClientTLSConfig returns an mTLS client configuration backed by the
// identity source and the configured authorization policy.
func (id *Identity) ClientTLSConfig() (*tls.Config, error) {
	return identitytls.NewClientConfig(id.Source, id.authorizer)
}

// Close releases the identity source and its Workload API connection.
func (id *Identity) Close() error {
	return id.Source.Close()
}

// defaultSource is the opt-in process-wide source. Nothing in this module
// consults it implicitly; it exists only for applications that want one
// shared source without plumbing it themselves.
var defaultSource struct {
	mu     sync.Mutex
	source *workloadapi.X509Source
}

// DefaultX509Source lazily initializes and returns a process-wide
// X509Source connected via SPIFFE_ENDPOINT_SOCKET. All callers share one
// source; closing it is the process's responsibility at shutdown.
func DefaultX509Source(ctx context.Context) (*workloadapi.X509Source, error) {
	defaultSource.mu.Lock()
	defer defaultSource.mu.Unlock()

	if defaultSource.source != nil {
		return defaultSource.source, nil
	}
	source, err := workloadapi.NewX509Source(ctx, workloadapi.X509SourceConfig{})
	if err != nil {
		return nil, fmt.Errorf("default X.509 source: %w", err)
	}
	defaultSource.source = source
	return source, nil
}
