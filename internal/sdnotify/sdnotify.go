// Package sdnotify reports readiness and deployment status to systemd when
// the control API runs as a unit. Outside systemd every call is a no-op.
package sdnotify

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd the API is accepting requests.
func Ready() error {
	return notify(daemon.SdNotifyReady)
}

// Stopping tells systemd a graceful shutdown has begun.
func Stopping() error {
	return notify(daemon.SdNotifyStopping)
}

// Watchdog resets the unit's watchdog timer.
func Watchdog() error {
	return notify(daemon.SdNotifyWatchdog)
}

// Status sets the line shown by systemctl status.
func Status(msg string) error {
	return notify("STATUS=" + msg)
}

// Progress reports a deployment message with its completion percentage.
func Progress(msg string, fraction float64) error {
	return Status(fmt.Sprintf("%s (%.0f%%)", msg, fraction*100))
}

// WatchdogInterval returns how often Watchdog should be called, or 0 when
// the unit has no watchdog.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d == 0 {
		return 0
	}
	return d / 2
}

func notify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}
