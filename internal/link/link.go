// Package link defines the contract between the connectivity manager and the
// wireless driver: the driver accepts mode commands and reports what the
// radio did on a single event channel.
package link

import (
	"net"

	"raingauge/internal/credentials"
)

type EventType int

const (
	// EventStart: station mode is up and ready to associate.
	EventStart EventType = iota + 1
	// EventDisconnected: an association attempt failed or an established
	// link was lost. Causes are not distinguished.
	EventDisconnected
	// EventGotAddress: the station interface was assigned an IPv4 address.
	EventGotAddress
)

func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventDisconnected:
		return "disconnected"
	case EventGotAddress:
		return "got-address"
	default:
		return "unknown"
	}
}

type Event struct {
	Type    EventType
	Reason  string // set on EventDisconnected when known
	Address net.IP // set on EventGotAddress
}

// Driver is the wireless link layer.
//
// Associate starts one association attempt and returns without waiting for
// its outcome; the outcome arrives later as EventGotAddress or
// EventDisconnected. A non-nil error means no attempt was started. While an
// attempt is outstanding the driver reports no other disconnects.
type Driver interface {
	BeginStation(creds credentials.Credentials) error
	BeginAccessPoint(ssid string, open bool) error
	Associate() error
	Stop() error
	Events() <-chan Event
}
