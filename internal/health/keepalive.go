package health

import (
	"strings"

	"boostd/pkg/systemd"
)

// KeepAlive tells the host the process is still doing useful work.
type KeepAlive interface {
	Name() string
	Ready() error
	Ping() error
	Stopping() error
}

// ForMode picks a keep-alive for the health.keepalive setting.
// "auto" uses systemd only when a notify socket is present.
func ForMode(mode string) KeepAlive {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "none":
		return Nop()
	case "systemd":
		return Systemd()
	default:
		if systemd.Available() {
			return Systemd()
		}
		return Nop()
	}
}

func Nop() KeepAlive { return nopKeepAlive{} }

type nopKeepAlive struct{}

func (nopKeepAlive) Name() string    { return "none" }
func (nopKeepAlive) Ready() error    { return nil }
func (nopKeepAlive) Ping() error     { return nil }
func (nopKeepAlive) Stopping() error { return nil }

// Systemd notifies through sd_notify (READY=1, WATCHDOG=1, STOPPING=1).
func Systemd() KeepAlive { return sdKeepAlive{} }

type sdKeepAlive struct{}

func (sdKeepAlive) Name() string { return "systemd" }

func (sdKeepAlive) Ready() error {
	_, err := systemd.Ready()
	return err
}

func (sdKeepAlive) Ping() error {
	_, err := systemd.Watchdog()
	return err
}

func (sdKeepAlive) Stopping() error {
	_, err := systemd.Stopping()
	return err
}
