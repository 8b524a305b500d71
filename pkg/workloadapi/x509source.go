package workloadapi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/maxlambrecht/java-spiffe-1/pkg/bundle/x509bundle"
	"github.com/maxlambrecht/java-spiffe-1/pkg/logger"
	"github.com/maxlambrecht/java-spiffe-1/pkg/retry"
	"github.com/maxlambrecht/java-spiffe-1/pkg/spiffeid"
	"github.com/maxlambrecht/java-spiffe-1/pkg/svid/x509svid"
)

// sourceState tracks the X509Source lifecycle:
// uninitialized -> initializing -> ready -> closed, with ready -> ready on
// each rotation and initializing/ready -> errored when a finite retry
// budget is exhausted.
type sourceState int

const (
	stateUninitialized sourceState = iota
	stateInitializing
	stateReady
	stateErrored
	stateClosed
)

// X509SourceConfig configures an X509Source. The zero value connects via
// SPIFFE_ENDPOINT_SOCKET with default retry tuning.
type X509SourceConfig struct {
	// Address is the Workload API endpoint. Ignored when Client is set;
	// empty falls back to SPIFFE_ENDPOINT_SOCKET.
	Address string

	// ClientOpts configures the internally created client. Ignored when
	// Client is set.
	ClientOpts *ClientOpts

	// Client is an externally owned protocol client to use instead of
	// creating one. The source will not close it.
	Client *Client

	// Retry governs re-establishing the watch after a failure. The zero
	// value retries indefinitely with default backoff; a positive
	// MaxAttempts makes repeated watch failures terminal for the source.
	Retry retry.Policy

	// Logger receives source diagnostics. Defaults to logger.Null.
	Logger logger.Logger
}

// X509Source maintains the workload's current X.509 identity materials.
//
// Construction blocks until the first successful update arrives (bounded by
// ctx); from then on every read is served from memory. One background
// goroutine owns the watch subscription and re-establishes it under the
// retry policy when it drops; readers never observe those failures, they
// keep being served the last good context until Close.
//
// An update replaces the whole current context under a short critical
// section, so concurrent handshakes never see a torn mix of old SVIDs with
// new bundles. Visibility is monotonic: once an update is observable, no
// earlier one is.
//
// X509Source implements x509svid.Source and x509bundle.Source.
type X509Source struct {
	client     *Client
	ownsClient bool
	policy     retry.Policy
	log        logger.Logger

	runCancel context.CancelFunc
	runDone   chan struct{}

	firstUpdate chan struct{}
	firstOnce   sync.Once
	runFailed   chan error

	closeOnce sync.Once
	closeErr  error

	// deliverMu serializes every subscriber callback: rotation deliveries
	// and the Subscribe-time replay of the current context. Always
	// acquired before mu.
	deliverMu sync.Mutex

	mu          sync.RWMutex
	state       sourceState
	current     *X509Context
	subscribers []X509ContextWatcher
}

// NewX509Source creates an X509Source and blocks until it holds its first
// X.509 context or ctx expires. A ctx deadline bounds only this initial
// wait; the source then runs until Close, independent of ctx.
func NewX509Source(ctx context.Context, cfg X509SourceConfig) (*X509Source, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Null
	}

	client := cfg.Client
	ownsClient := false
	if client == nil {
		var err error
		client, err = NewClient(cfg.Address, cfg.ClientOpts)
		if err != nil {
			return nil, err
		}
		ownsClient = true
	}

	s := &X509Source{
		client:      client,
		ownsClient:  ownsClient,
		policy:      cfg.Retry,
		log:         log,
		runDone:     make(chan struct{}),
		firstUpdate: make(chan struct{}),
		runFailed:   make(chan error, 1),
		state:       stateInitializing,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	go s.run(runCtx)

	select {
	case <-s.firstUpdate:
		return s, nil
	case err := <-s.runFailed:
		_ = s.Close()
		return nil, fmt.Errorf("workloadapi: X.509 source failed before first update: %w", err)
	case <-ctx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("workloadapi: waiting for first X.509 context: %w", ctx.Err())
	}
}

// GetX509SVID returns the current default X509-SVID. It never blocks on
// I/O. Fails with ErrSourceClosed after Close.
func (s *X509Source) GetX509SVID() (*x509svid.SVID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.readableLocked(); err != nil {
		return nil, err
	}
	return s.current.DefaultSVID(), nil
}

// SVIDs returns all current X509-SVIDs, default first.
func (s *X509Source) SVIDs() ([]*x509svid.SVID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.readableLocked(); err != nil {
		return nil, err
	}
	return append([]*x509svid.SVID(nil), s.current.SVIDs...), nil
}

// GetX509BundleForTrustDomain returns the current bundle for the given
// trust domain, implementing the x509bundle.Source contract against the
// current snapshot.
func (s *X509Source) GetX509BundleForTrustDomain(td spiffeid.TrustDomain) (*x509bundle.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.readableLocked(); err != nil {
		return nil, err
	}
	return s.current.Bundles.GetX509BundleForTrustDomain(td)
}

// Subscribe registers a watcher that receives every subsequently applied
// X.509 context, in order, plus the current one immediately if the source
// is ready. Callbacks are serialized: at most one OnUpdate runs at a time
// for a given source, and contexts arrive in application order (the
// replay, though invoked from Subscribe, can never trail a newer rotation
// delivery). Callbacks should return quickly; a persistence collaborator
// that needs to do slow work should hand the context off to its own
// goroutine.
func (s *X509Source) Subscribe(watcher X509ContextWatcher) error {
	// Holding deliverMu across registration and replay keeps a rotation
	// from slipping between them, which would ordinarily deliver a newer
	// context before the replayed older one.
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrSourceClosed
	}
	s.subscribers = append(s.subscribers, watcher)
	current := s.current
	s.mu.Unlock()

	if current != nil {
		watcher.OnUpdate(current)
	}
	return nil
}

// Close stops the watch subscription and the reconnection loop, closes the
// internally created client (injected clients stay open), and fails every
// subsequent read with ErrSourceClosed. Idempotent; an in-flight backoff
// wait is interrupted promptly rather than running out its interval.
func (s *X509Source) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()

		s.runCancel()
		<-s.runDone

		if s.ownsClient {
			s.closeErr = s.client.Close()
		}
		s.log.Infof("X.509 source closed")
	})
	return s.closeErr
}

func (s *X509Source) readableLocked() error {
	switch {
	case s.state == stateClosed:
		return ErrSourceClosed
	case s.current == nil:
		return ErrNotReady
	}
	return nil
}

// run drives the watch subscription and its reconnection loop. It is the
// only writer of s.current.
func (s *X509Source) run(ctx context.Context) {
	defer close(s.runDone)

	bo := s.policy.NewBackOff(ctx)
	for {
		updated, err := s.watchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if updated {
			// The stream was healthy for a while; start the retry
			// schedule over.
			bo.Reset()
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			s.failTerminal(err)
			return
		}
		s.log.Warnf("workload API watch failed: %v; retrying in %s", err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// watchOnce opens one watch subscription and blocks until it fails or ctx
// is canceled. It reports whether any update was applied during the
// subscription's lifetime.
func (s *X509Source) watchOnce(ctx context.Context) (bool, error) {
	sw := &sourceWatcher{source: s, failed: make(chan error, 1)}
	watch, err := s.client.WatchX509Context(ctx, sw)
	if err != nil {
		return false, err
	}
	defer watch.Cancel()

	select {
	case <-ctx.Done():
		return sw.updated.Load(), ctx.Err()
	case err := <-sw.failed:
		return sw.updated.Load(), err
	}
}

// applyX509Context atomically swaps in a new context. Deliveries racing
// with Close are discarded, never half-applied.
func (s *X509Source) applyX509Context(x509Context *X509Context) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateReady
	s.current = x509Context
	subscribers := append([]X509ContextWatcher(nil), s.subscribers...)
	s.mu.Unlock()

	s.log.Debugf("X.509 context updated: %s", x509Context.DefaultSVID().ID)
	s.firstOnce.Do(func() { close(s.firstUpdate) })

	for _, subscriber := range subscribers {
		subscriber.OnUpdate(x509Context)
	}
}

// failTerminal marks the source errored once the retry budget is spent.
// The last good context keeps serving readers; only Close changes that.
func (s *X509Source) failTerminal(err error) {
	s.mu.Lock()
	if s.state != stateClosed {
		s.state = stateErrored
	}
	s.mu.Unlock()

	s.log.Errorf("workload API watch failed terminally: %v", err)
	select {
	case s.runFailed <- err:
	default:
	}
}

// sourceWatcher adapts the source's update path to the watch callback
// interface. The first error ends the subscription attempt.
type sourceWatcher struct {
	source  *X509Source
	updated atomic.Bool
	failed  chan error
}

func (sw *sourceWatcher) OnUpdate(x509Context *X509Context) {
	sw.source.applyX509Context(x509Context)
	sw.updated.Store(true)
}

func (sw *sourceWatcher) OnError(err error) {
	select {
	case sw.failed <- err:
	default:
	}
}
