package workloadapi

import (
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Clients addressing the same endpoint share one physical gRPC channel.
// Ownership is reference counted: every NewClient acquires a reference and
// every Client.Close releases one; the channel shuts down only when the
// last owner releases it. This replaces the per-client shutdown of a shared
// channel, which could break sibling clients mid-stream.
var connPool = struct {
	sync.Mutex
	conns map[string]*sharedConn
}{conns: make(map[string]*sharedConn)}

type sharedConn struct {
	target string
	conn   *grpc.ClientConn
	refs   int
}

// acquireConn returns the shared channel for target, creating it on first
// use. The Workload API is a trusted local IPC channel, so transport
// security on it is out of scope and the channel dials without credentials.
func acquireConn(target string, extraOpts []grpc.DialOption) (*sharedConn, error) {
	connPool.Lock()
	defer connPool.Unlock()

	if sc, ok := connPool.conns[target]; ok {
		sc.refs++
		return sc, nil
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, extraOpts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("workloadapi: cannot create channel for %q: %w", target, err)
	}

	sc := &sharedConn{target: target, conn: conn, refs: 1}
	connPool.conns[target] = sc
	return sc, nil
}

// release drops one reference and closes the channel when none remain.
func (sc *sharedConn) release() error {
	connPool.Lock()
	sc.refs--
	last := sc.refs == 0
	if last {
		delete(connPool.conns, sc.target)
	}
	connPool.Unlock()

	if last {
		return sc.conn.Close()
	}
	return nil
}
