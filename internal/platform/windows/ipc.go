//go:build windows

package windows

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

// PipeName is the Named Pipe path of the tunnel service.
const PipeName = `\\.\pipe\wgtunnel`

// IPCTransport implements platform.IPCTransport over a Named Pipe.
type IPCTransport struct{}

// NewIPCTransport creates a Named Pipe transport.
func NewIPCTransport() *IPCTransport {
	return &IPCTransport{}
}

// Listener creates the pipe listener for the gRPC server. Any
// authenticated user may connect since the CLI runs unelevated.
func (t *IPCTransport) Listener() (net.Listener, error) {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;AU)",
		MessageMode:        false,
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	}
	return winio.ListenPipe(PipeName, cfg)
}

// Dial connects to the service pipe.
func (t *IPCTransport) Dial(ctx context.Context, _ string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, PipeName)
}

// Target is the gRPC target handed to the client.
func (t *IPCTransport) Target() string {
	return "passthrough:///" + PipeName
}
