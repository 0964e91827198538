// Package route installs and removes the routes that steer a peer's allowed
// IP ranges into the tunnel interface, and remembers every route it added
// so teardown can remove exactly those.
package route

import (
	"context"
	"net/netip"
	"sync"

	"wgtunnel/internal/core"
)

// Table is the native routing table. Both calls return the raw native
// status code; the Manager decides which codes count as success.
type Table interface {
	CreateRoute(row Row) uint32
	DeleteRoute(row Row) uint32
}

// Recorder is notified after every successful mutation so it can persist
// outstanding routes for crash recovery.
type Recorder interface {
	RouteAdded(r ManagedRoute) error
	RouteRemoved(r ManagedRoute) error
}

// Manager adds routes bound to an interface and tracks them. It never
// rolls back on its own; callers decide when to drain.
type Manager struct {
	table    Table
	recorder Recorder
	tracked  trackedSet

	closeOnce sync.Once
}

// NewManager creates a route manager over the given table. rec may be nil.
func NewManager(table Table, rec Recorder) *Manager {
	return &Manager{table: table, recorder: rec}
}

// AddRoute installs a route for cidr through the interface. An already
// existing identical route counts as success and is tracked.
func (m *Manager) AddRoute(ctx context.Context, cidr string, luid uint64, metric uint32) error {
	dst, err := core.ParseAllowedIP(cidr)
	if err != nil {
		return &core.ValidationError{Field: "cidr", Value: cidr, Reason: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	row := NewRow(dst, luid, metric)
	code := m.table.CreateRoute(row)
	switch code {
	case core.CodeSuccess:
	case core.CodeAlreadyExists:
		core.Log.Debugf("Route", "Route %s on 0x%x already exists", dst, luid)
	default:
		return &core.RouteConfigurationError{
			Destination: cidr,
			NativeCode:  code,
			Err:         &core.NativeOperationError{Op: "CreateIpForwardEntry2", Code: code},
		}
	}

	mr := ManagedRoute{Destination: dst, InterfaceLUID: luid, Metric: metric, Row: row}
	if !m.tracked.add(mr) {
		return nil
	}
	m.record(mr, true)
	core.Log.Infof("Route", "Added %s via interface 0x%x (metric %d)", dst, luid, metric)
	return nil
}

// DeleteRoute removes the route for cidr on the interface. A route that is
// already gone counts as success. Other native failures are logged; the
// matching tracked entries are removed either way.
func (m *Manager) DeleteRoute(ctx context.Context, cidr string, luid uint64) error {
	dst, err := core.ParseAllowedIP(cidr)
	if err != nil {
		return &core.ValidationError{Field: "cidr", Value: cidr, Reason: err.Error()}
	}

	removed := m.tracked.removeMatching(dst, luid)
	if len(removed) == 0 {
		m.deleteRow(ManagedRoute{Destination: dst, InterfaceLUID: luid, Row: NewRow(dst, luid, 0)})
		return nil
	}
	for _, r := range removed {
		m.deleteRow(r)
	}
	return nil
}

// AddRoutesForAllowedIPs adds a route per entry in order and stops at the
// first failure. Routes added before the failure stay installed and tracked.
func (m *Manager) AddRoutesForAllowedIPs(ctx context.Context, cidrs []string, luid uint64, metric uint32) error {
	for _, cidr := range cidrs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.AddRoute(ctx, cidr, luid, metric); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllManagedRoutes deletes every tracked route. The tracked set is
// empty afterwards whatever the native outcome. Cancellation stops further
// deletes; rows not yet deleted are left installed and untracked.
func (m *Manager) RemoveAllManagedRoutes(ctx context.Context) error {
	routes := m.tracked.drain()
	if len(routes) == 0 {
		return nil
	}
	for i, r := range routes {
		if err := ctx.Err(); err != nil {
			core.Log.Warnf("Route", "Removal cancelled, %d route(s) left installed", len(routes)-i)
			return err
		}
		m.deleteRow(r)
	}
	core.Log.Infof("Route", "Removed %d managed route(s)", len(routes))
	return nil
}

// ManagedRoutes returns the destinations currently tracked.
func (m *Manager) ManagedRoutes() []netip.Prefix {
	snap := m.tracked.snapshot()
	out := make([]netip.Prefix, len(snap))
	for i, r := range snap {
		out[i] = r.Destination
	}
	return out
}

// Tracked returns a copy of the tracked routes including their rows.
func (m *Manager) Tracked() []ManagedRoute {
	return m.tracked.snapshot()
}

// Adopt puts rows left over from a previous process back under
// management so they can be drained. They are not reinstalled.
func (m *Manager) Adopt(rows []Row) {
	for _, row := range rows {
		m.tracked.add(ManagedRoute{
			Destination:   row.Prefix(),
			InterfaceLUID: row.InterfaceLUID,
			Metric:        row.Metric,
			Row:           row,
		})
	}
}

// Close removes every tracked route. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				core.Log.Errorf("Route", "Panic during close: %v", r)
			}
		}()
		_ = m.RemoveAllManagedRoutes(context.Background())
	})
}

func (m *Manager) deleteRow(r ManagedRoute) {
	code := m.table.DeleteRoute(r.Row)
	switch code {
	case core.CodeSuccess:
		core.Log.Debugf("Route", "Deleted %s on 0x%x", r.Destination, r.InterfaceLUID)
	case core.CodeNotFound, core.CodeFileNotFound:
		core.Log.Debugf("Route", "Route %s on 0x%x already gone", r.Destination, r.InterfaceLUID)
	default:
		core.Log.Warnf("Route", "Delete %s on 0x%x failed: native error %d", r.Destination, r.InterfaceLUID, code)
		return
	}
	m.record(r, false)
}

func (m *Manager) record(r ManagedRoute, added bool) {
	if m.recorder == nil {
		return
	}
	var err error
	if added {
		err = m.recorder.RouteAdded(r)
	} else {
		err = m.recorder.RouteRemoved(r)
	}
	if err != nil {
		core.Log.Warnf("Route", "Journal update for %s failed: %v", r.Destination, err)
	}
}
