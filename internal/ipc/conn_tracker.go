package ipc

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc"

	"wgtunnel/internal/core"
)

// ConnTracker counts in-flight RPCs and open Watch streams so the service
// can report how many clients are attached.
type ConnTracker struct {
	active   atomic.Int64
	watchers atomic.Int64
}

// NewConnTracker creates an empty tracker.
func NewConnTracker() *ConnTracker {
	return &ConnTracker{}
}

// ActiveCount returns the number of RPCs currently being served.
func (ct *ConnTracker) ActiveCount() int64 {
	return ct.active.Load()
}

// Watchers returns the number of open Watch streams.
func (ct *ConnTracker) Watchers() int64 {
	return ct.watchers.Load()
}

func (ct *ConnTracker) watchStarted() {
	n := ct.watchers.Add(1)
	core.Log.Debugf("IPC", "Watch client attached (%d open)", n)
}

func (ct *ConnTracker) watchEnded() {
	n := ct.watchers.Add(-1)
	core.Log.Debugf("IPC", "Watch client detached (%d open)", n)
}

// UnaryInterceptor returns a gRPC unary server interceptor that tracks and
// logs active RPCs.
func (ct *ConnTracker) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ct.active.Add(1)
		defer ct.active.Add(-1)
		resp, err := handler(ctx, req)
		if err != nil {
			core.Log.Debugf("IPC", "%s failed: %v", info.FullMethod, err)
		}
		return resp, err
	}
}

// StreamInterceptor returns a gRPC stream server interceptor that tracks
// active streams.
func (ct *ConnTracker) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ct.active.Add(1)
		defer ct.active.Add(-1)
		return handler(srv, ss)
	}
}
