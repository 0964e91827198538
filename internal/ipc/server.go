package ipc

import (
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"

	"wgtunnel/internal/core"
)

// Server wraps a gRPC server exposing TunnelServer.
type Server struct {
	grpc    *grpc.Server
	tracker *ConnTracker
}

// NewServer creates a server for srv with connection tracking installed.
func NewServer(srv TunnelServer, tracker *ConnTracker, opts ...grpc.ServerOption) *Server {
	if tracker == nil {
		tracker = NewConnTracker()
	}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(tracker.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(tracker.StreamInterceptor()),
	)
	gs := grpc.NewServer(opts...)
	RegisterTunnelServer(gs, srv)
	return &Server{grpc: gs, tracker: tracker}
}

// Serve accepts connections on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	core.Log.Infof("IPC", "Serving on %s", ln.Addr())
	if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("[IPC] serve: %w", err)
	}
	return nil
}

// Stop drains in-flight RPCs for up to timeout, then closes whatever is
// left. Watch streams only end when their clients leave, so they are
// usually cut by the forced stop.
func (s *Server) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		core.Log.Debugf("IPC", "Graceful stop timed out, forcing")
		s.grpc.Stop()
		<-done
	}
}

// ForceStop immediately stops the server.
func (s *Server) ForceStop() {
	s.grpc.Stop()
}

// Tracker returns the connection tracker.
func (s *Server) Tracker() *ConnTracker {
	return s.tracker
}
