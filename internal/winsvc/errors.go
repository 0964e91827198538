// Package winsvc runs the tunnel service under the Windows Service Control
// Manager and installs or removes its registration.
package winsvc

import "fmt"

const (
	ServiceName        = "WGTunnelClient"
	ServiceDisplayName = "WireGuard Tunnel Client"
	ServiceDescription = "Maintains the WireGuard tunnel, its routes and DNS servers"
)

// ServiceError wraps an SCM failure with the operation that caused it.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("winsvc: %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
