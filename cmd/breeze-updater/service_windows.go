//go:build windows

package main

import (
	"fmt"
	"sync"

	"golang.org/x/sys/windows/svc"

	"github.com/breeze-rmm/agent-updater/internal/logging"
)

// isWindowsService reports whether the process was started by the Windows
// Service Control Manager. Must be called before any console I/O.
func isWindowsService() bool {
	ok, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return ok
}

// updaterService implements svc.Handler for the Windows SCM.
type updaterService struct {
	startFn  func() (*server, error)
	stopOnce sync.Once
}

// runAsService runs `serve` under the Windows Service Control Manager.
func runAsService(startFn func() (*server, error)) error {
	return svc.Run("BreezeUpdater", &updaterService{startFn: startFn})
}

// Execute signals SERVICE_RUNNING once the server is up, then blocks until
// the SCM sends Stop or Shutdown.
func (u *updaterService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	s, err := u.startFn()
	if err != nil {
		log.Error("updater start failed", logging.KeyError, err)
		changes <- svc.Status{State: svc.StopPending}
		return true, 1
	}

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info("updater running as Windows service")

	for cr := range r {
		switch cr.Cmd {
		case svc.Interrogate:
			changes <- cr.CurrentStatus
		case svc.Stop, svc.Shutdown:
			log.Info("SCM requested stop")
			changes <- svc.Status{State: svc.StopPending}
			u.stopOnce.Do(func() {
				if err := s.stop(); err != nil {
					log.Warn("shutdown", logging.KeyError, err)
				}
			})
			return false, 0
		default:
			log.Warn(fmt.Sprintf("unexpected SCM control request #%d", cr.Cmd))
		}
	}
	return false, 0
}
