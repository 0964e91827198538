//go:build windows

package winsvc

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const (
	pollInterval = 500 * time.Millisecond
	stateTimeout = 15 * time.Second
)

// Install registers the service. exePath is the service binary; configPath,
// if set, is passed through with --config.
func Install(exePath, configPath string) error {
	m, err := mgr.Connect()
	if err != nil {
		return &ServiceError{Op: "connect to SCM", Err: err}
	}
	defer m.Disconnect()

	if s, err := m.OpenService(ServiceName); err == nil {
		s.Close()
		return &ServiceError{Op: "install", Err: fmt.Errorf("service %q already exists", ServiceName)}
	}

	args := []string{"--service"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	s, err := m.CreateService(ServiceName, exePath, mgr.Config{
		DisplayName:      ServiceDisplayName,
		Description:      ServiceDescription,
		StartType:        mgr.StartAutomatic,
		ServiceStartName: "LocalSystem",
		SidType:          windows.SERVICE_SID_TYPE_UNRESTRICTED,
		Dependencies:     []string{"Nsi", "TcpIp"},
	}, args...)
	if err != nil {
		return &ServiceError{Op: "create service", Err: err}
	}
	defer s.Close()

	// Restart on crash; the journal cleans up whatever the dead process left.
	if err := s.SetRecoveryActions([]mgr.RecoveryAction{
		{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
		{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
		{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
	}, 86400); err != nil {
		return &ServiceError{Op: "set recovery actions", Err: err}
	}
	return nil
}

// Uninstall stops the service if it is running and removes it.
func Uninstall() error {
	return withService("uninstall", func(s *mgr.Service) error {
		if _, err := s.Control(svc.Stop); err == nil {
			_ = waitForState(s, svc.Stopped)
		}
		if err := s.Delete(); err != nil {
			return &ServiceError{Op: "delete service", Err: err}
		}
		return nil
	})
}

// Start starts the service and waits until it reports Running.
func Start() error {
	return withService("start", func(s *mgr.Service) error {
		if err := s.Start(); err != nil {
			return &ServiceError{Op: "start service", Err: err}
		}
		return waitForState(s, svc.Running)
	})
}

// Stop stops the service and waits until it reports Stopped.
func Stop() error {
	return withService("stop", func(s *mgr.Service) error {
		if _, err := s.Control(svc.Stop); err != nil {
			return &ServiceError{Op: "stop service", Err: err}
		}
		return waitForState(s, svc.Stopped)
	})
}

// IsInstalled reports whether the service is registered.
func IsInstalled() bool {
	return withService("query", func(*mgr.Service) error { return nil }) == nil
}

func withService(op string, fn func(s *mgr.Service) error) error {
	m, err := mgr.Connect()
	if err != nil {
		return &ServiceError{Op: "connect to SCM", Err: err}
	}
	defer m.Disconnect()

	s, err := m.OpenService(ServiceName)
	if err != nil {
		return &ServiceError{Op: op, Err: fmt.Errorf("open service %q: %w", ServiceName, err)}
	}
	defer s.Close()
	return fn(s)
}

var errUnexpectedStop = errors.New("service stopped unexpectedly")

func waitForState(s *mgr.Service, want svc.State) error {
	deadline := time.Now().Add(stateTimeout)
	for time.Now().Before(deadline) {
		st, err := s.Query()
		if err != nil {
			return &ServiceError{Op: "query service status", Err: err}
		}
		if st.State == want {
			return nil
		}
		if want == svc.Running && st.State == svc.Stopped {
			return &ServiceError{Op: "start service", Err: errUnexpectedStop}
		}
		time.Sleep(pollInterval)
	}
	return &ServiceError{Op: "wait for service", Err: fmt.Errorf("timed out waiting for state %d", want)}
}
