package systemd

import (
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if Available() {
		t.Fatal("Available() = true without NOTIFY_SOCKET")
	}
	ok, err := Ready()
	if err != nil || ok {
		t.Fatalf("Ready() = %v, %v; want false, nil", ok, err)
	}
	d, err := WatchdogInterval()
	if err != nil || d != 0 {
		t.Fatalf("WatchdogInterval() = %v, %v; want 0, nil", d, err)
	}
}

func TestNotifySendsState(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram not available: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	ok, err := Watchdog()
	if err != nil || !ok {
		t.Fatalf("Watchdog() = %v, %v; want true, nil", ok, err)
	}

	buf := make([]byte, 64)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "WATCHDOG=1" {
		t.Fatalf("got %q, want WATCHDOG=1", got)
	}
}
