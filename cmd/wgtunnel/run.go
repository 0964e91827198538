package main

import (
	"context"
	"fmt"
	"time"

	"wgtunnel/internal/core"
	"wgtunnel/internal/dns"
	"wgtunnel/internal/driver"
	"wgtunnel/internal/ipc"
	"wgtunnel/internal/journal"
	"wgtunnel/internal/keys"
	"wgtunnel/internal/platform"
	"wgtunnel/internal/route"
	"wgtunnel/internal/service"
)

const (
	ipcStopTimeout  = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// runService assembles the service from plat and serves IPC until ctx is
// cancelled. notify enables desktop notifications when configured.
func runService(ctx context.Context, configPath string, plat *platform.Platform, notify bool) error {
	bus := core.NewEventBus()
	cfgManager := core.NewConfigManager(configPath, bus)
	if err := cfgManager.Load(); err != nil {
		return err
	}
	cfg := cfgManager.Get().WithDefaults()

	core.Log.Configure(cfg.Logging)
	if cfg.Logging.File != "" {
		f, err := core.OpenLogFile(core.ResolveRelativeTo(configPath, cfg.Logging.File))
		if err != nil {
			core.Log.Warnf("Core", "Cannot open log file: %v", err)
		} else {
			defer f.Close()
		}
	}
	core.Log.Infof("Core", "wgtunnel %s starting (config %s)", version, configPath)

	// === 1. Journal ===
	var jr *journal.Journal
	if !cfg.Journal.Disabled {
		var err error
		jr, err = journal.Open(core.ResolveRelativeTo(configPath, cfg.Journal.Path))
		if err != nil {
			return err
		}
		defer jr.Close()
	}

	// === 2. Native backends ===
	table, err := plat.NewRouteTable()
	if err != nil {
		return fmt.Errorf("[Core] route table unavailable: %w", err)
	}
	tun, err := plat.NewTunnelDriver()
	if err != nil {
		return fmt.Errorf("[Core] tunnel driver unavailable: %w", err)
	}
	defer tun.Close()
	store, err := plat.NewKeyStore(cfg.KeyStore, configPath)
	if err != nil {
		return err
	}

	// === 3. Orchestrator ===
	orch := service.New(service.Config{
		Keys: keys.NewManager(store),
		Driver: driver.NewManager(plat.ServiceControl, driver.Config{
			ServiceName:    cfg.Driver.ServiceName,
			ImagePath:      core.ResolveRelativeToExe(cfg.Driver.Path),
			StopWhenUnused: cfg.Driver.StopWhenUnused,
		}),
		Tunnel:        tun,
		Routes:        route.NewManager(table, jr),
		DNS:           dns.NewManager(plat.NewDNSBackend(), jr),
		Journal:       jr,
		ConfigManager: cfgManager,
		EventBus:      bus,
		InterfaceName: cfg.Interface.Name,
		RouteMetric:   cfg.Interface.RouteMetric,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		orch.Close(closeCtx)
	}()

	if err := orch.Recover(ctx); err != nil {
		core.Log.Warnf("Core", "Recovery incomplete, will retry on next start: %v", err)
	}

	// === 4. Health monitor, reconnect and notifications ===
	interval, staleAfter := cfg.HealthIntervals()
	hm := service.NewHealthMonitor(interval, staleAfter, orch.PeerStatus, orch.MarkFailed, bus)
	hm.Start(ctx)
	defer hm.Stop()

	if cfg.Reconnect.Enabled {
		rm := service.NewReconnectManager(orch, cfgManager.Profile, bus, cfg.ReconnectInterval(), cfg.Reconnect.MaxRetries)
		rm.Start()
		defer rm.Stop()
	}

	if notify && cfg.Notifications.Enabled {
		stop := platform.WatchNotifications(bus, plat.Notifier)
		defer stop()
	}

	// === 5. IPC ===
	ln, err := plat.IPC.Listener()
	if err != nil {
		return fmt.Errorf("[Core] IPC listener: %w", err)
	}
	tracker := ipc.NewConnTracker()
	srv := ipc.NewServer(ipc.NewHandler(orch, cfgManager, bus, tracker), tracker)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	core.Log.Infof("Core", "Running")
	select {
	case <-ctx.Done():
		err = nil
	case err = <-serveErr:
	}

	// Reverse order: stop taking requests, then deferred cleanup tears the
	// tunnel down and closes the journal last.
	core.Log.Infof("Core", "Shutting down...")
	srv.Stop(ipcStopTimeout)
	return err
}
