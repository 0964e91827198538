package platform

import (
	"fmt"
	"time"

	"wgtunnel/internal/core"
)

// WatchNotifications shows a notification for every state change that
// matters to the user and for stale handshakes. Notifications are shown
// off the publishing goroutine. Call the returned function to stop.
func WatchNotifications(bus *core.EventBus, n Notifier) (stop func()) {
	if bus == nil || n == nil {
		return func() {}
	}
	show := func(title, msg string) {
		go func() {
			if err := n.Show(title, msg); err != nil {
				core.Log.Debugf("Core", "Notification failed: %v", err)
			}
		}()
	}

	unsubState := bus.Subscribe(core.EventStateChanged, func(e core.Event) {
		p, ok := e.Payload.(core.StatePayload)
		if !ok {
			return
		}
		if title, msg, ok := stateMessage(p); ok {
			show(title, msg)
		}
	})
	unsubStale := bus.Subscribe(core.EventHandshakeStale, func(e core.Event) {
		p, ok := e.Payload.(core.HandshakePayload)
		if !ok {
			return
		}
		msg := "No handshake has completed yet"
		if !p.LastHandshake.IsZero() {
			msg = fmt.Sprintf("Last handshake %s ago", p.Age.Round(time.Second))
		}
		show("Tunnel not responding", msg)
	})
	return func() {
		unsubState()
		unsubStale()
	}
}

func stateMessage(p core.StatePayload) (title, msg string, ok bool) {
	switch p.NewState {
	case core.StateConnected:
		return "Connected", fmt.Sprintf("Profile %q is up", p.Profile), true
	case core.StateError:
		msg = fmt.Sprintf("Profile %q failed", p.Profile)
		if p.Err != nil {
			msg += ": " + p.Err.Error()
		}
		return "Connection failed", msg, true
	case core.StateDisconnected:
		if p.OldState == core.StateDisconnecting {
			return "Disconnected", fmt.Sprintf("Profile %q is down", p.Profile), true
		}
	}
	return "", "", false
}
