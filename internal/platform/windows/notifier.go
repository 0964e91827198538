//go:build windows

package windows

import (
	"github.com/go-toast/toast"
)

// AppID is shown as the sender of toast notifications.
const AppID = "WireGuard Tunnel"

// Notifier implements platform.Notifier with Windows toast notifications.
type Notifier struct{}

// Show pushes a toast with title and message.
func (n *Notifier) Show(title, message string) error {
	t := toast.Notification{
		AppID:   AppID,
		Title:   title,
		Message: message,
	}
	return t.Push()
}
