package service

import (
	"context"
	"fmt"

	"wgtunnel/internal/core"
	"wgtunnel/internal/tunnel"
)

// Recover reverts whatever a previous process journaled but never undid:
// DNS snapshots are restored, routes deleted and leftover interfaces
// destroyed. Only valid while Disconnected. Reverts that fail stay in the
// journal for the next start.
func (o *Orchestrator) Recover(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != core.StateDisconnected {
		return &core.InvalidStateTransition{From: o.state, Op: "recover"}
	}

	pending, err := o.cfg.Journal.Pending()
	if err != nil {
		return fmt.Errorf("[Service] read journal: %w", err)
	}
	if pending.Empty() {
		return nil
	}
	core.Log.Warnf("Service", "Recovering after unclean shutdown: %d session(s), %d route(s), %d DNS snapshot(s)",
		len(pending.Sessions), len(pending.Routes), len(pending.DNS))

	for guid, original := range pending.DNS {
		o.cfg.DNS.Adopt(guid, original)
	}
	if err := o.cfg.DNS.RestoreDNS(ctx); err != nil {
		return err
	}

	o.cfg.Routes.Adopt(pending.Routes)
	if err := o.cfg.Routes.RemoveAllManagedRoutes(ctx); err != nil {
		return err
	}

	for _, s := range pending.Sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		h := tunnel.Handle{Name: s.InterfaceName, LUID: s.LUID, GUID: s.GUID}
		if err := o.cfg.Tunnel.DestroyInterface(ctx, h); err != nil {
			core.Log.Warnf("Service", "Destroy leftover interface %s: %v", s.InterfaceName, err)
			continue
		}
		if err := o.cfg.Journal.SessionEnded(s.ID); err != nil {
			core.Log.Warnf("Service", "Journal session end failed: %v", err)
		}
		core.Log.Infof("Service", "Destroyed leftover interface %s from session %s", s.InterfaceName, s.ID)
	}
	return nil
}
