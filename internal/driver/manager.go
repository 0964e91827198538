// Package driver keeps the WireGuard kernel driver service loaded while a
// tunnel needs it.
package driver

import (
	"context"
	"errors"
	"sync"
	"time"

	"wgtunnel/internal/core"
)

// ServiceState is the SCM view of the driver service.
type ServiceState int

const (
	StateNotInstalled ServiceState = iota
	StateStopped
	StatePending
	StateRunning
)

func (s ServiceState) String() string {
	switch s {
	case StateNotInstalled:
		return "not installed"
	case StateStopped:
		return "stopped"
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// ServiceControl manages a kernel driver service. Errors should carry a
// native code reachable through core.NativeCode or ErrnoCode.
type ServiceControl interface {
	Query(name string) (ServiceState, error)
	Install(name, imagePath string) error
	Start(name string) error
	Stop(name string) error
}

// ErrnoCode lets ServiceControl implementations expose a native code.
type ErrnoCode interface {
	NativeCode() uint32
}

// Config describes the driver service.
type Config struct {
	ServiceName    string
	ImagePath      string
	StopWhenUnused bool
	StartTimeout   time.Duration
	PollInterval   time.Duration
}

// Manager reference-counts users of the driver and loads it on first use.
type Manager struct {
	ctl ServiceControl
	cfg Config

	mu   sync.Mutex
	refs int

	closeOnce sync.Once
}

// NewManager creates a driver manager.
func NewManager(ctl ServiceControl, cfg Config) *Manager {
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 15 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Manager{ctl: ctl, cfg: cfg}
}

// EnsureLoaded makes sure the driver service is installed and running and
// takes a reference. Install and start failures are not retried.
func (m *Manager) EnsureLoaded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs > 0 {
		m.refs++
		return nil
	}

	state, err := m.ctl.Query(m.cfg.ServiceName)
	if err != nil {
		return driverError("query", err)
	}
	core.Log.Debugf("Driver", "Service %s is %s", m.cfg.ServiceName, state)

	if state == StateNotInstalled {
		if m.cfg.ImagePath == "" {
			return &core.DriverError{Op: "install", Code: core.CodeFileNotFound, Err: errors.New("driver image path not configured")}
		}
		if err := m.ctl.Install(m.cfg.ServiceName, m.cfg.ImagePath); err != nil {
			return driverError("install", err)
		}
		core.Log.Infof("Driver", "Installed driver service %s (%s)", m.cfg.ServiceName, m.cfg.ImagePath)
		state = StateStopped
	}

	if state == StateStopped {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.ctl.Start(m.cfg.ServiceName); err != nil {
			return driverError("start", err)
		}
		state = StatePending
	}

	if state == StatePending {
		if err := m.waitRunning(ctx); err != nil {
			return err
		}
		core.Log.Infof("Driver", "Driver service %s started", m.cfg.ServiceName)
	}

	m.refs = 1
	return nil
}

func (m *Manager) waitRunning(ctx context.Context) error {
	deadline := time.NewTimer(m.cfg.StartTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.cfg.PollInterval)
	defer tick.Stop()

	for {
		state, err := m.ctl.Query(m.cfg.ServiceName)
		if err != nil {
			return driverError("start", err)
		}
		switch state {
		case StateRunning:
			return nil
		case StateStopped, StateNotInstalled:
			return &core.DriverError{Op: "start", Code: core.CodeFileNotFound, Err: errors.New("service stopped during start")}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &core.DriverError{Op: "start", Err: errors.New("timeout waiting for driver service")}
		case <-tick.C:
		}
	}
}

// ReleaseIfUnused drops a reference. When the last one goes and the
// manager is configured to, the service is stopped. Failures are logged.
func (m *Manager) ReleaseIfUnused(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs == 0 {
		return
	}
	m.refs--
	if m.refs > 0 || !m.cfg.StopWhenUnused {
		return
	}
	if ctx.Err() != nil {
		core.Log.Warnf("Driver", "Release cancelled, leaving %s running", m.cfg.ServiceName)
		return
	}
	if err := m.ctl.Stop(m.cfg.ServiceName); err != nil {
		core.Log.Warnf("Driver", "Stop %s failed: %v", m.cfg.ServiceName, err)
		return
	}
	core.Log.Infof("Driver", "Driver service %s stopped", m.cfg.ServiceName)
}

// Refs returns the current reference count.
func (m *Manager) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// Close releases every outstanding reference. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				core.Log.Errorf("Driver", "Panic during close: %v", r)
			}
		}()
		for m.Refs() > 0 {
			m.ReleaseIfUnused(context.Background())
		}
	})
}

func driverError(op string, err error) error {
	de := &core.DriverError{Op: op, Err: err}
	var ec ErrnoCode
	if errors.As(err, &ec) {
		de.Code = ec.NativeCode()
	} else if code, ok := core.NativeCode(err); ok {
		de.Code = code
	}
	return de
}
