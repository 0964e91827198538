//go:build windows

package driver

import (
	"errors"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// scmError carries the Win32 code of a failed SCM call.
type scmError struct {
	op  string
	err error
}

func (e *scmError) Error() string { return e.op + ": " + e.err.Error() }
func (e *scmError) Unwrap() error { return e.err }

func (e *scmError) NativeCode() uint32 {
	var errno windows.Errno
	if errors.As(e.err, &errno) {
		return uint32(errno)
	}
	return 0
}

// SCM controls kernel driver services through the service control manager.
type SCM struct{}

// NewSCM returns the native service control backend.
func NewSCM() *SCM { return &SCM{} }

func withService(name string, fn func(s *mgr.Service) error) error {
	m, err := mgr.Connect()
	if err != nil {
		return &scmError{op: "connect to SCM", err: err}
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return &scmError{op: "open service", err: err}
	}
	defer s.Close()
	return fn(s)
}

// Query reports the driver service state.
func (SCM) Query(name string) (ServiceState, error) {
	var state ServiceState
	err := withService(name, func(s *mgr.Service) error {
		status, err := s.Query()
		if err != nil {
			return &scmError{op: "query service", err: err}
		}
		switch status.State {
		case svc.Running:
			state = StateRunning
		case svc.Stopped:
			state = StateStopped
		default:
			state = StatePending
		}
		return nil
	})
	var se *scmError
	if errors.As(err, &se) && errors.Is(se.err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
		return StateNotInstalled, nil
	}
	return state, err
}

// Install registers a demand-start kernel driver service for imagePath.
func (SCM) Install(name, imagePath string) error {
	m, err := mgr.Connect()
	if err != nil {
		return &scmError{op: "connect to SCM", err: err}
	}
	defer m.Disconnect()

	s, err := m.CreateService(name, imagePath, mgr.Config{
		ServiceType:  windows.SERVICE_KERNEL_DRIVER,
		StartType:    mgr.StartManual,
		ErrorControl: mgr.ErrorNormal,
		DisplayName:  name,
	})
	if err != nil {
		return &scmError{op: "create service", err: err}
	}
	s.Close()
	return nil
}

// Start starts the service. Already running counts as success.
func (SCM) Start(name string) error {
	return withService(name, func(s *mgr.Service) error {
		if err := s.Start(); err != nil && !errors.Is(err, windows.ERROR_SERVICE_ALREADY_RUNNING) {
			return &scmError{op: "start service", err: err}
		}
		return nil
	})
}

// Stop asks the service to stop without waiting for it.
func (SCM) Stop(name string) error {
	return withService(name, func(s *mgr.Service) error {
		if _, err := s.Control(svc.Stop); err != nil && !errors.Is(err, windows.ERROR_SERVICE_NOT_ACTIVE) {
			return &scmError{op: "stop service", err: err}
		}
		return nil
	})
}
