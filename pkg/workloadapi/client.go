package workloadapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spiffe/go-spiffe/v2/proto/spiffe/workload"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/maxlambrecht/java-spiffe-1/pkg/logger"
)

// The Workload API rejects calls that do not carry this security header.
const (
	securityHeaderKey   = "workload.spiffe.io"
	securityHeaderValue = "true"
)

// ClientOpts contains optional configuration for a Client. The zero value
// (or nil) uses defaults.
type ClientOpts struct {
	// Logger receives client diagnostics. Defaults to logger.Null.
	Logger logger.Logger

	// DialOptions are appended to the gRPC options used when this client
	// creates a new shared channel. They have no effect when the channel
	// for the address already exists.
	DialOptions []grpc.DialOption
}

// Client is a SPIFFE Workload API protocol client.
//
// It supports one-shot fetches and long-lived watch subscriptions for
// X.509 contexts. The client applies no retry or reconnect policy of its
// own; a dropped watch is reported to the watcher and it is the caller's
// decision to re-establish it (X509Source does exactly that).
//
// Thread safety: all methods are safe for concurrent use.
type Client struct {
	conn *sharedConn
	wl   workload.SpiffeWorkloadAPIClient
	log  logger.Logger

	mu      sync.Mutex
	closed  bool
	watches map[*Watch]struct{}
}

// NewClient connects a Client to the Workload API endpoint at address.
//
// An empty address falls back to the SPIFFE_ENDPOINT_SOCKET environment
// variable. The address must be unix:// with an absolute path or
// tcp://host:port; anything else fails with ErrInvalidAddress before any
// connection is attempted.
//
// Clients created for the same endpoint share one underlying channel; the
// channel closes when the last of its clients does.
func NewClient(address string, opts *ClientOpts) (*Client, error) {
	if opts == nil {
		opts = &ClientOpts{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Null
	}

	if address == "" {
		var err error
		address, err = GetDefaultAddress()
		if err != nil {
			return nil, err
		}
	}
	target, err := parseTargetFromAddr(address)
	if err != nil {
		return nil, err
	}

	conn, err := acquireConn(target, opts.DialOptions)
	if err != nil {
		return nil, err
	}

	log.Debugf("workload API client connected to %s", target)
	return &Client{
		conn:    conn,
		wl:      workload.NewSpiffeWorkloadAPIClient(conn.conn),
		log:     log,
		watches: make(map[*Watch]struct{}),
	}, nil
}

// FetchX509Context performs a one-shot fetch of the current X.509 context.
//
// Only the first streamed response is returned; the call is then canceled.
// A stream that ends before any response fails with ErrEmptyResponse. The
// call is not retried internally; transient transport failures surface to
// the caller as-is.
func (c *Client) FetchX509Context(ctx context.Context) (*X509Context, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}

	ctx, cancel := context.WithCancel(withSecurityHeader(ctx))
	defer cancel()

	stream, err := c.wl.FetchX509SVID(ctx, &workload.X509SVIDRequest{})
	if err != nil {
		return nil, fmt.Errorf("workloadapi: fetching X.509 context: %w", err)
	}

	resp, err := stream.Recv()
	switch {
	case errors.Is(err, io.EOF):
		return nil, fmt.Errorf("workloadapi: fetching X.509 context: %w", ErrEmptyResponse)
	case err != nil:
		return nil, fmt.Errorf("workloadapi: fetching X.509 context: %w", err)
	}

	return parseX509Context(resp)
}

// WatchX509Context opens a long-lived subscription to X.509 context
// updates and returns its cancellation handle.
//
// Every received response is converted and delivered to the watcher via
// OnUpdate; the first failure (stream error, conversion failure, or
// unexpected stream completion) is delivered via OnError and ends the
// watch. Canceling ctx, calling Watch.Cancel, or closing the client tears
// the subscription down without an OnError callback.
func (c *Client) WatchX509Context(ctx context.Context, watcher X509ContextWatcher) (*Watch, error) {
	streamCtx, cancel := context.WithCancel(withSecurityHeader(ctx))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, ErrClientClosed
	}
	w := &Watch{client: c, cancel: cancel, done: make(chan struct{})}
	c.watches[w] = struct{}{}
	c.mu.Unlock()

	stream, err := c.wl.FetchX509SVID(streamCtx, &workload.X509SVIDRequest{})
	if err != nil {
		w.Cancel()
		close(w.done)
		return nil, fmt.Errorf("workloadapi: watching X.509 context: %w", err)
	}

	queue := newEventQueue()
	go c.receiveX509Contexts(streamCtx, stream, queue)
	go c.deliverX509Contexts(streamCtx, queue, watcher, w)
	return w, nil
}

// Close cancels every watch created by this client and releases its
// reference on the shared channel. Idempotent and safe to call from any
// goroutine, including concurrently with WatchX509Context.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	watches := make([]*Watch, 0, len(c.watches))
	for w := range c.watches {
		watches = append(watches, w)
	}
	c.mu.Unlock()

	for _, w := range watches {
		w.Cancel()
	}
	c.log.Debugf("workload API client closed")
	return c.conn.release()
}

// receiveX509Contexts is the stream read loop; it only parses and enqueues
// so that watcher code can never stall the gRPC receive path.
func (c *Client) receiveX509Contexts(ctx context.Context, stream workload.SpiffeWorkloadAPI_FetchX509SVIDClient, queue *eventQueue) {
	for {
		resp, err := stream.Recv()
		switch {
		case ctx.Err() != nil:
			// Canceled by the caller or by Close; not an error.
			queue.close()
			return
		case errors.Is(err, io.EOF):
			queue.push(event{err: ErrUnexpectedCompletion})
			queue.close()
			return
		case err != nil:
			queue.push(event{err: fmt.Errorf("workloadapi: watching X.509 context: %w", err)})
			queue.close()
			return
		}

		x509Context, err := parseX509Context(resp)
		if err != nil {
			// A malformed update fails closed: report it and end the
			// watch rather than skipping the message.
			queue.push(event{err: err})
			queue.close()
			return
		}
		queue.push(event{update: x509Context})
	}
}

// deliverX509Contexts drains the queue into the watcher.
func (c *Client) deliverX509Contexts(ctx context.Context, queue *eventQueue, watcher X509ContextWatcher, w *Watch) {
	defer func() {
		w.Cancel()
		close(w.done)
	}()

	for {
		ev, ok := queue.pop()
		if !ok {
			return
		}
		// Updates queued before cancellation are discarded, not applied.
		if ctx.Err() != nil {
			continue
		}
		if ev.err != nil {
			c.log.Warnf("workload API watch failed: %v", ev.err)
			watcher.OnError(ev.err)
			continue
		}
		watcher.OnUpdate(ev.update)
	}
}

func (c *Client) removeWatch(w *Watch) {
	c.mu.Lock()
	delete(c.watches, w)
	c.mu.Unlock()
}

func withSecurityHeader(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, securityHeaderKey, securityHeaderValue)
}
