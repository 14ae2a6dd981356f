// Package systemd reports service state to systemd via sd_notify.
// Every call is a no-op when not running under systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

// Ready tells systemd startup finished (Type=notify units).
func Ready() (bool, error) { return notify(false, daemon.SdNotifyReady) }

// Stopping tells systemd shutdown began.
func Stopping() (bool, error) { return notify(false, daemon.SdNotifyStopping) }

// Reloading marks a config reload. Call Ready when it is done.
func Reloading() (bool, error) { return notify(false, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(s string) (bool, error) { return notify(false, "STATUS="+s) }

// Watchdog pings the systemd watchdog at half the configured interval
// while healthy returns nil. It returns when ctx is done, immediately if
// the watchdog is not enabled.
func Watchdog(ctx context.Context, healthy func() error) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	return watchdogLoop(ctx, interval/2, healthy)
}

func watchdogLoop(ctx context.Context, every time.Duration, healthy func() error) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && healthy() != nil {
				continue
			}
			if _, err := notify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
