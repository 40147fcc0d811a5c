package dbus

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog"

	"raingauge/internal/state"
)

const (
	ServiceName = "org.raingauge.Node"
	ObjectPath  = "/org/raingauge/Node"
	Interface   = "org.raingauge.Node"
)

// PulseSource reports sensor transitions not yet drained into a report
type PulseSource interface {
	Pending() uint32
}

type CredentialEraser interface {
	Erase() error
}

type Restarter interface {
	Restart(reason string)
}

// Service exposes node status and maintenance methods on D-Bus
type Service struct {
	conn      *dbus.Conn
	stateMgr  *state.Manager
	pulses    PulseSource
	eraser    CredentialEraser
	restarter Restarter
	log       zerolog.Logger
}

// NewService claims the bus name and exports the node object
func NewService(busType string, stateMgr *state.Manager, pulses PulseSource, eraser CredentialEraser, restarter Restarter, log zerolog.Logger) (*Service, error) {
	var conn *dbus.Conn
	var err error

	if busType == "system" {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.ConnectSessionBus()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to D-Bus: %w", err)
	}

	s := &Service{
		conn:      conn,
		stateMgr:  stateMgr,
		pulses:    pulses,
		eraser:    eraser,
		restarter: restarter,
		log:       log,
	}

	reply, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("name already taken")
	}

	if err := conn.Export(s, ObjectPath, Interface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	if err := conn.Export(s, ObjectPath, "org.freedesktop.DBus.Properties"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to export properties: %w", err)
	}

	node := &introspect.Node{
		Name: ObjectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:       Interface,
				Methods:    methods(),
				Properties: properties(),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		s.log.Warn().Err(err).Msg("Failed to export introspection data")
	}

	stateMgr.OnChange(s.emitPropertiesChanged)

	return s, nil
}

func (s *Service) Close() {
	s.conn.Close()
}

func (s *Service) emitPropertiesChanged(st *state.State) {
	err := s.conn.Emit(ObjectPath, "org.freedesktop.DBus.Properties.PropertiesChanged",
		Interface, snapshot(st), []string{})
	if err != nil {
		s.log.Debug().Err(err).Msg("Failed to emit PropertiesChanged")
	}
}

func methods() []introspect.Method {
	return []introspect.Method{
		{Name: "PendingPulses", Args: []introspect.Arg{
			{Name: "count", Type: "u", Direction: "out"},
		}},
		{Name: "ResetCredentials"},
	}
}

func properties() []introspect.Property {
	return []introspect.Property{
		{Name: "LinkState", Type: "s", Access: "read"},
		{Name: "Connected", Type: "b", Access: "read"},
		{Name: "IpAddress", Type: "s", Access: "read"},
		{Name: "Ssid", Type: "s", Access: "read"},
		{Name: "Attempts", Type: "t", Access: "read"},
		{Name: "Failures", Type: "t", Access: "read"},
		{Name: "InterfaceName", Type: "s", Access: "read"},
		{Name: "LastError", Type: "s", Access: "read"},
	}
}
