// Package fakeworkloadapi runs an in-process SPIFFE Workload API server on
// a unix socket for tests.
package fakeworkloadapi

import (
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spiffe/go-spiffe/v2/proto/spiffe/workload"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const securityHeader = "workload.spiffe.io"

// Server is a scriptable Workload API endpoint.
//
// Streams follow the real protocol shape: each FetchX509SVID stream sends
// the current response (if any) and then every response pushed with
// SetX509SVIDResponse, until the client goes away or the test ends the
// stream explicitly.
type Server struct {
	workload.UnimplementedSpiffeWorkloadAPIServer

	// Addr is the unix:// endpoint address the server listens on.
	Addr string

	grpcServer *grpc.Server

	mu            sync.Mutex
	resp          *workload.X509SVIDResponse
	streamErr     error
	completeEmpty bool
	subs          map[chan *workload.X509SVIDResponse]struct{}
}

// New starts a server on a fresh socket under t.TempDir. It stops
// automatically when the test finishes.
func New(t *testing.T) *Server {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "workload_api.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	s := &Server{
		Addr:       "unix://" + socketPath,
		grpcServer: grpc.NewServer(),
		subs:       make(map[chan *workload.X509SVIDResponse]struct{}),
	}
	workload.RegisterSpiffeWorkloadAPIServer(s.grpcServer, s)

	go func() { _ = s.grpcServer.Serve(listener) }()
	t.Cleanup(s.Stop)
	return s
}

// Stop tears the server down, ending every open stream.
func (s *Server) Stop() {
	s.grpcServer.Stop()
}

// SetX509SVIDResponse installs resp as the current response and pushes it
// to every open stream. New streams receive it immediately.
func (s *Server) SetX509SVIDResponse(resp *workload.X509SVIDResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resp = resp
	for sub := range s.subs {
		select {
		case sub <- resp:
		default:
		}
	}
}

// SetStreamError makes subsequent streams fail with err right away (after
// the security header check). Pass nil to restore normal behavior.
func (s *Server) SetStreamError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamErr = err
}

// CompleteEmptyStreams makes streams opened while no response is installed
// complete normally instead of waiting for one.
func (s *Server) CompleteEmptyStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeEmpty = true
}

// CompleteStreams ends every open stream normally, as if the server shut
// the subscription down without an error.
func (s *Server) CompleteStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		close(sub)
		delete(s.subs, sub)
	}
}

// FetchX509SVID implements the server-streaming fetch RPC.
func (s *Server) FetchX509SVID(_ *workload.X509SVIDRequest, stream workload.SpiffeWorkloadAPI_FetchX509SVIDServer) error {
	md, ok := metadata.FromIncomingContext(stream.Context())
	if !ok || len(md.Get(securityHeader)) == 0 || md.Get(securityHeader)[0] != "true" {
		return status.Error(codes.InvalidArgument, "security header missing from request")
	}

	s.mu.Lock()
	if err := s.streamErr; err != nil {
		s.mu.Unlock()
		return err
	}
	resp := s.resp
	if resp == nil && s.completeEmpty {
		s.mu.Unlock()
		return nil
	}
	sub := make(chan *workload.X509SVIDResponse, 16)
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	if resp != nil {
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			if err := stream.Send(next); err != nil {
				return err
			}
		}
	}
}
