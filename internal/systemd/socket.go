// Package systemd integrates the coordinator with socket activation and
// sd_notify. Every call is a no-op outside systemd.
package systemd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Socket names as set by FileDescriptorName= in mediabadge.socket.
const (
	HTTPSocket    = "http"
	MetricsSocket = "metrics"
)

// Listeners are the sockets systemd passed in, if any.
type Listeners struct {
	HTTP      net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners returns the activated listeners. Activated is false and both
// listeners are nil when the process was not socket-activated.
func GetListeners() (*Listeners, error) {
	if len(activation.Files(false)) == 0 {
		return &Listeners{}, nil
	}

	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	return pick(named), nil
}

func pick(named map[string][]net.Listener) *Listeners {
	l := &Listeners{Activated: true}
	if lns := named[HTTPSocket]; len(lns) > 0 {
		l.HTTP = lns[0]
	}
	if lns := named[MetricsSocket]; len(lns) > 0 {
		l.Metrics = lns[0]
	}
	return l
}

// NotifyReady sends READY=1 with a status line.
func NotifyReady(status string) error {
	return notify(daemon.SdNotifyReady + "\nSTATUS=" + status)
}

// NotifyStatus updates the STATUS= line shown by systemctl status.
func NotifyStatus(status string) error {
	return notify("STATUS=" + status)
}

// NotifyStopping sends STOPPING=1.
func NotifyStopping() error {
	return notify(daemon.SdNotifyStopping)
}

func notify(state string) error {
	if _, err := daemon.SdNotify(false, state); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// Watchdog pings the systemd watchdog at half the configured interval until
// ctx is done. healthy is consulted before every ping; a false result skips
// the ping so systemd restarts the unit. Returns immediately when the
// watchdog is not enabled.
func Watchdog(ctx context.Context, healthy func(context.Context) bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("failed to read watchdog settings: %w", err)
	}
	if interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if healthy != nil && !healthy(ctx) {
				continue
			}
			if err := notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
