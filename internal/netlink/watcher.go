// Package netlink watches the wireless interface for IPv4 address changes and
// turns a newly assigned address into a got-address link event.
package netlink

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"raingauge/internal/link"
	"raingauge/internal/state"
)

// Watcher watches netlink address and link events for one interface
type Watcher struct {
	iface    string
	emit     func(link.Event)
	conn     *netlink.Conn   // Raw netlink connection for multicast events
	rtConn   *rtnetlink.Conn // rtnetlink connection for List operations
	stateMgr *state.Manager
	log      zerolog.Logger

	mu        sync.Mutex
	index     uint32
	lastOper  rtnetlink.OperationalState
	closeOnce sync.Once
}

// NewWatcher dials netlink. emit receives got-address events for iface.
func NewWatcher(iface string, emit func(link.Event), stateMgr *state.Manager, log zerolog.Logger) (*Watcher, error) {
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, &netlink.Config{
		Groups: unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial netlink: %w", err)
	}

	rtConn, err := rtnetlink.Dial(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to dial rtnetlink: %w", err)
	}

	return &Watcher{
		iface:    iface,
		emit:     emit,
		conn:     conn,
		rtConn:   rtConn,
		stateMgr: stateMgr,
		log:      log,
	}, nil
}

// Close closes both netlink connections
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		w.conn.Close()
		w.rtConn.Close()
	})
}

// Run receives netlink events until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.resolveIndex(); err != nil {
		w.log.Warn().Err(err).Str("interface", w.iface).Msg("Interface not present yet")
	}

	go func() {
		<-ctx.Done()
		w.Close()
	}()

	for {
		msgs, err := w.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Debug().Err(err).Msg("Netlink receive error")
			continue
		}

		for _, msg := range msgs {
			w.handleMessage(msg)
		}
	}
}

func (w *Watcher) handleMessage(msg netlink.Message) {
	switch msg.Header.Type {
	case unix.RTM_NEWLINK, unix.RTM_DELLINK:
		w.handleLinkMessage(msg.Data, msg.Header.Type == unix.RTM_DELLINK)
	case unix.RTM_NEWADDR, unix.RTM_DELADDR:
		w.handleAddressMessage(msg.Data, msg.Header.Type == unix.RTM_DELADDR)
	}
}

func (w *Watcher) handleLinkMessage(data []byte, removed bool) {
	var msg rtnetlink.LinkMessage
	if err := msg.UnmarshalBinary(data); err != nil {
		w.log.Debug().Err(err).Msg("Failed to parse link message")
		return
	}
	if msg.Attributes == nil || msg.Attributes.Name != w.iface {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if removed {
		w.log.Warn().Str("interface", w.iface).Uint32("index", msg.Index).Msg("Interface removed")
		w.index = 0
		return
	}

	w.index = msg.Index
	// Only log when the operational state actually changes
	if msg.Attributes.OperationalState != w.lastOper {
		w.lastOper = msg.Attributes.OperationalState
		w.log.Debug().Str("interface", w.iface).Str("oper", operName(w.lastOper)).Msg("Link state changed")
	}
}

func (w *Watcher) handleAddressMessage(data []byte, removed bool) {
	var msg rtnetlink.AddressMessage
	if err := msg.UnmarshalBinary(data); err != nil {
		w.log.Debug().Err(err).Msg("Failed to parse address message")
		return
	}
	if msg.Attributes == nil {
		return
	}

	w.mu.Lock()
	index := w.index
	w.mu.Unlock()

	ev, ok := addressEvent(msg.Family, msg.Index, index, msg.Attributes.Address)
	if !ok {
		return
	}

	if removed {
		w.log.Info().Str("interface", w.iface).Str("address", ev.Address.String()).Msg("Address removed")
		return
	}

	w.log.Info().Str("interface", w.iface).Str("address", ev.Address.String()).Msg("Address assigned")
	w.emit(ev)
}

// CheckAddress emits got-address if the interface already holds an IPv4
// address. It covers reassociation where the lease survived and no
// RTM_NEWADDR is sent.
func (w *Watcher) CheckAddress() {
	if err := w.resolveIndex(); err != nil {
		w.log.Debug().Err(err).Msg("Cannot resolve interface for address check")
		return
	}

	addrs, err := w.rtConn.Address.List()
	if err != nil {
		w.log.Debug().Err(err).Msg("Failed to list addresses")
		return
	}

	w.mu.Lock()
	index := w.index
	w.mu.Unlock()

	for _, a := range addrs {
		if a.Attributes == nil {
			continue
		}
		if ev, ok := addressEvent(a.Family, a.Index, index, a.Attributes.Address); ok {
			w.emit(ev)
			return
		}
	}
}

func (w *Watcher) resolveIndex() error {
	links, err := w.rtConn.Link.List()
	if err != nil {
		return err
	}
	for _, l := range links {
		if l.Attributes != nil && l.Attributes.Name == w.iface {
			w.mu.Lock()
			w.index = l.Index
			w.mu.Unlock()
			w.stateMgr.Update(func(st *state.State) {
				st.InterfaceName = w.iface
			})
			return nil
		}
	}
	return fmt.Errorf("interface %s not found", w.iface)
}

// addressEvent maps an address notification on the watched interface to a
// got-address event. Only IPv4 unicast addresses count.
func addressEvent(family uint8, index, watched uint32, ip net.IP) (link.Event, bool) {
	if watched == 0 || index != watched || family != unix.AF_INET {
		return link.Event{}, false
	}
	ip4 := ip.To4()
	if ip4 == nil || ip4.IsLoopback() || ip4.IsUnspecified() {
		return link.Event{}, false
	}
	return link.Event{Type: link.EventGotAddress, Address: ip4}, true
}

func operName(s rtnetlink.OperationalState) string {
	switch s {
	case rtnetlink.OperStateUp:
		return "up"
	case rtnetlink.OperStateDown:
		return "down"
	case rtnetlink.OperStateDormant:
		return "dormant"
	case rtnetlink.OperStateLowerLayerDown:
		return "lower-layer-down"
	case rtnetlink.OperStateNotPresent:
		return "not-present"
	case rtnetlink.OperStateTesting:
		return "testing"
	}
	return "unknown"
}
