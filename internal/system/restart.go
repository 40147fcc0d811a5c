// Package system restarts the node after provisioning or a credential reset.
package system

import (
	"fmt"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	// ModeExit exits the process with ExitCodeRestart and leaves the restart
	// to the service supervisor.
	ModeExit = "exit"
	// ModeReboot reboots the host through logind.
	ModeReboot = "reboot"

	ExitCodeRestart = 3

	logindService = "org.freedesktop.login1"
	logindPath    = "/org/freedesktop/login1"
	logindReboot  = "org.freedesktop.login1.Manager.Reboot"
)

type Restarter struct {
	mode string
	log  zerolog.Logger
	once sync.Once

	// Hooks, replaced in tests.
	exit         func(code int)
	rebootLogind func() error
	rebootKernel func() error
	sync         func()
}

func NewRestarter(mode string, log zerolog.Logger) *Restarter {
	return &Restarter{
		mode:         mode,
		log:          log,
		exit:         os.Exit,
		rebootLogind: rebootViaLogind,
		rebootKernel: func() error { return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART) },
		sync:         unix.Sync,
	}
}

// Restart runs at most once per process; later calls are ignored.
func (r *Restarter) Restart(reason string) {
	r.once.Do(func() {
		r.log.Warn().Str("reason", reason).Str("mode", r.mode).Msg("Restarting")
		r.sync()

		if r.mode == ModeReboot {
			err := r.rebootLogind()
			if err == nil {
				return
			}
			r.log.Error().Err(err).Msg("logind reboot failed, trying reboot(2)")
			if err := r.rebootKernel(); err != nil {
				r.log.Error().Err(err).Msg("reboot(2) failed, exiting instead")
			} else {
				return
			}
		}

		r.exit(ExitCodeRestart)
	})
}

func rebootViaLogind() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object(logindService, dbus.ObjectPath(logindPath))
	if call := obj.Call(logindReboot, 0, false); call.Err != nil {
		return fmt.Errorf("logind reboot: %w", call.Err)
	}
	return nil
}
