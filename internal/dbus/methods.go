package dbus

import (
	"github.com/godbus/dbus/v5"
)

// PendingPulses returns the transitions counted since the last report
func (s *Service) PendingPulses() (uint32, *dbus.Error) {
	if s.pulses == nil {
		return 0, nil
	}
	return s.pulses.Pending(), nil
}

// ResetCredentials erases the stored network and restarts into provisioning
func (s *Service) ResetCredentials() *dbus.Error {
	s.log.Warn().Msg("Credential reset requested over D-Bus")

	if err := s.eraser.Erase(); err != nil {
		return dbus.NewError(Interface+".Error", []interface{}{err.Error()})
	}

	go s.restarter.Restart("reset over D-Bus")
	return nil
}
