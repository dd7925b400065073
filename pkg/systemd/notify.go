// Package systemd talks to the service manager through the sd_notify protocol.
//
// Every call is a no-op (returning false) when the process was not started by
// systemd with NOTIFY_SOCKET set.
package systemd

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Available reports whether a notify socket is configured.
func Available() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}

func Ready() (bool, error) { return notify(daemon.SdNotifyReady) }

func Stopping() (bool, error) { return notify(daemon.SdNotifyStopping) }

func Watchdog() (bool, error) { return notify(daemon.SdNotifyWatchdog) }

// Status sets the free-form status line shown by `systemctl status`.
func Status(msg string) (bool, error) { return notify("STATUS=" + msg) }

// WatchdogInterval returns the configured watchdog timeout, or 0 when the
// watchdog is disabled for this process.
func WatchdogInterval() (time.Duration, error) {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0, errors.Wrap(err, "sd_watchdog_enabled")
	}
	return d, nil
}

func notify(state string) (bool, error) {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		return false, errors.Wrapf(err, "sd_notify %q", state)
	}
	return ok, nil
}
