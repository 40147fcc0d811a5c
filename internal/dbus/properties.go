package dbus

import (
	"github.com/godbus/dbus/v5"

	"raingauge/internal/state"
)

// snapshot renders the exported properties from a state copy
func snapshot(st *state.State) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"LinkState":     dbus.MakeVariant(string(st.LinkState)),
		"Connected":     dbus.MakeVariant(st.LinkState == state.StateStaConnected),
		"IpAddress":     dbus.MakeVariant(st.IPAddress),
		"Ssid":          dbus.MakeVariant(st.SSID),
		"Attempts":      dbus.MakeVariant(st.Attempts),
		"Failures":      dbus.MakeVariant(st.Failures),
		"InterfaceName": dbus.MakeVariant(st.InterfaceName),
		"LastError":     dbus.MakeVariant(st.LastError),
	}
}

// Get implements org.freedesktop.DBus.Properties.Get
func (s *Service) Get(iface, propName string) (dbus.Variant, *dbus.Error) {
	if iface != Interface {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface", []interface{}{"Unknown interface"})
	}

	st := s.stateMgr.Get()
	v, ok := snapshot(&st)[propName]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownProperty", []interface{}{"Unknown property: " + propName})
	}
	return v, nil
}

// GetAll implements org.freedesktop.DBus.Properties.GetAll
func (s *Service) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != Interface {
		return nil, dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface", []interface{}{"Unknown interface"})
	}

	st := s.stateMgr.Get()
	return snapshot(&st), nil
}

// Set implements org.freedesktop.DBus.Properties.Set; every property is read-only
func (s *Service) Set(iface, propName string, value dbus.Variant) *dbus.Error {
	return dbus.NewError("org.freedesktop.DBus.Error.PropertyReadOnly", []interface{}{"Properties are read-only"})
}
