//go:build windows

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wgtunnel/internal/platform"
	platformWindows "wgtunnel/internal/platform/windows"
	"wgtunnel/internal/winsvc"
)

func newPlatform() *platform.Platform {
	return platformWindows.NewPlatform()
}

// runHost runs the service under the SCM when started by it, otherwise in
// the console until Ctrl+C.
func runHost(configPath string, plat *platform.Platform) error {
	if winsvc.IsWindowsService() {
		return winsvc.RunService(func(ctx context.Context) error {
			return runService(ctx, configPath, plat, false)
		})
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runService(ctx, configPath, plat, true)
}

// scmCommand handles the service management subcommands.
func scmCommand(cmd, configPath string) (bool, error) {
	switch cmd {
	case "install":
		exePath, err := os.Executable()
		if err != nil {
			return true, fmt.Errorf("cannot determine executable path: %w", err)
		}
		if err := winsvc.Install(exePath, configPath); err != nil {
			return true, err
		}
		fmt.Println("Service installed.")
	case "uninstall":
		if err := winsvc.Uninstall(); err != nil {
			return true, err
		}
		fmt.Println("Service uninstalled.")
	case "start":
		if err := winsvc.Start(); err != nil {
			return true, err
		}
		fmt.Println("Service started.")
	case "stop":
		if err := winsvc.Stop(); err != nil {
			return true, err
		}
		fmt.Println("Service stopped.")
	default:
		return false, nil
	}
	return true, nil
}
