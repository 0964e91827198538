package core

import (
	"errors"
	"fmt"
)

// Native status codes the managers interpret. Everything else is a hard error.
const (
	CodeSuccess       uint32 = 0
	CodeFileNotFound  uint32 = 2      // ERROR_FILE_NOT_FOUND
	CodeAccessDenied  uint32 = 5      // ERROR_ACCESS_DENIED
	CodeNotFound      uint32 = 1168   // ERROR_NOT_FOUND
	CodeAlreadyExists uint32 = 0x1392 // ERROR_OBJECT_ALREADY_EXISTS
)

// ValidationError reports malformed input rejected before any native call.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// NativeOperationError is an OS-level failure carrying the native status code.
type NativeOperationError struct {
	Op   string
	Code uint32
}

func (e *NativeOperationError) Error() string {
	return fmt.Sprintf("%s failed: 0x%x", e.Op, e.Code)
}

// NativeCode extracts the native status code from err, if it carries one.
func NativeCode(err error) (uint32, bool) {
	var rce *RouteConfigurationError
	if errors.As(err, &rce) {
		return rce.NativeCode, true
	}
	var ne *NativeOperationError
	if errors.As(err, &ne) {
		return ne.Code, true
	}
	var de *DriverError
	if errors.As(err, &de) {
		return de.Code, true
	}
	return 0, false
}

// DriverError is an install/load/configure failure of the kernel driver.
type DriverError struct {
	Op   string // "install", "start", "stop", "query"
	Code uint32
	Err  error
}

func (e *DriverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("driver %s failed (0x%x): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("driver %s failed: 0x%x", e.Op, e.Code)
}

func (e *DriverError) Unwrap() error { return e.Err }

// KeyStoreError is a generate/persist/load failure of the key manager.
type KeyStoreError struct {
	Op  string
	Err error
}

func (e *KeyStoreError) Error() string {
	return fmt.Sprintf("key store %s: %v", e.Op, e.Err)
}

func (e *KeyStoreError) Unwrap() error { return e.Err }

// InvalidStateTransition is returned when an orchestrator operation is not
// allowed from the current state. No side effects have happened.
type InvalidStateTransition struct {
	From TunnelState
	Op   string
}

func (e *InvalidStateTransition) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.From)
}

// RouteConfigurationError reports a route that could not be installed.
type RouteConfigurationError struct {
	Destination string
	NativeCode  uint32
	Err         error
}

func (e *RouteConfigurationError) Error() string {
	return fmt.Sprintf("route %s: native error %d", e.Destination, e.NativeCode)
}

func (e *RouteConfigurationError) Unwrap() error { return e.Err }

// DnsConfigurationError reports DNS servers that could not be applied.
type DnsConfigurationError struct {
	Interface string
	Err       error
}

func (e *DnsConfigurationError) Error() string {
	return fmt.Sprintf("dns on %s: %v", e.Interface, e.Err)
}

func (e *DnsConfigurationError) Unwrap() error { return e.Err }

// InterfaceError reports a rejected tunnel interface operation.
type InterfaceError struct {
	Op   string // "create", "configure"
	Name string
	Err  error
}

func (e *InterfaceError) Error() string {
	return fmt.Sprintf("interface %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *InterfaceError) Unwrap() error { return e.Err }

var (
	// ErrInterfaceCreateFailed marks InterfaceError values from CreateInterface.
	ErrInterfaceCreateFailed = errors.New("interface create failed")
	// ErrConfigurationRejected marks InterfaceError values from ApplyConfiguration.
	ErrConfigurationRejected = errors.New("configuration rejected")
)

// ConnectStage names the step of a connect attempt that failed.
type ConnectStage string

const (
	StageValidate  ConnectStage = "validate"
	StageKey       ConnectStage = "key"
	StageDriver    ConnectStage = "driver"
	StageInterface ConnectStage = "interface"
	StageConfigure ConnectStage = "configure"
	StageRoute     ConnectStage = "route"
	StageDNS       ConnectStage = "dns"
)

// ConnectError is the single top-level error a failed connect surfaces.
// Unwrap yields the originating error unchanged.
type ConnectError struct {
	Stage ConnectStage
	Err   error
}

func (e *ConnectError) Error() string {
	if code, ok := NativeCode(e.Err); ok {
		return fmt.Sprintf("connect failed at %s stage (native code %d): %v", e.Stage, code, e.Err)
	}
	return fmt.Sprintf("connect failed at %s stage: %v", e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
