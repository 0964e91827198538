//go:build windows

package winsvc

import (
	"context"
	"time"

	"golang.org/x/sys/windows/svc"

	"wgtunnel/internal/core"
)

// stopWaitHint is reported with StopPending; teardown of routes, DNS and
// the adapter normally finishes well inside it.
const stopWaitHint = 30 * time.Second

// IsWindowsService reports whether the process was started by the SCM.
func IsWindowsService() bool {
	isSvc, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isSvc
}

// RunService runs run under the SCM until the service is stopped. run
// must return once its context is cancelled. Blocks until then.
func RunService(run func(ctx context.Context) error) error {
	return svc.Run(ServiceName, &handler{run: run})
}

type handler struct {
	run func(ctx context.Context) error
}

func (h *handler) Execute(_ []string, r <-chan svc.ChangeRequest, s chan<- svc.Status) (bool, uint32) {
	s <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.run(ctx)
	}()

	s <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}

	for {
		select {
		case cr := <-r:
			switch cr.Cmd {
			case svc.Interrogate:
				s <- cr.CurrentStatus
			case svc.Stop, svc.Shutdown:
				core.Log.Infof("Service", "Stop requested by SCM")
				s <- svc.Status{State: svc.StopPending, WaitHint: uint32(stopWaitHint / time.Millisecond)}
				cancel()
				if err := <-errCh; err != nil {
					core.Log.Errorf("Service", "Stopped with error: %v", err)
					return true, 1
				}
				return false, 0
			}
		case err := <-errCh:
			if err != nil {
				core.Log.Errorf("Service", "Exited: %v", err)
				return true, 1
			}
			return false, 0
		}
	}
}
