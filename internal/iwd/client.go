package iwd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"raingauge/internal/credentials"
	"raingauge/internal/link"
	"raingauge/internal/state"
)

const (
	IWDService        = "net.connman.iwd"
	StationIface      = "net.connman.iwd.Station"
	DeviceIface       = "net.connman.iwd.Device"
	NetworkIface      = "net.connman.iwd.Network"
	AccessPointIface  = "net.connman.iwd.AccessPoint"
	AgentManagerPath  = "/net/connman/iwd"
	propertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"
	nameOwnerChanged  = "org.freedesktop.DBus.NameOwnerChanged"
	interfacesAdded   = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"

	DefaultAPProfileDir = "/var/lib/iwd/ap"

	modeStation = "station"
	modeAP      = "ap"

	// Minimum spacing between two association attempts. iwd rejects a
	// Connect issued while another is settling, which would otherwise spin.
	retryFloor  = time.Second
	scanTimeout = 15 * time.Second
	eventBuffer = 16
)

var (
	ErrNotStation    = errors.New("station mode not started")
	ErrClosed        = errors.New("iwd client closed")
	ErrNoCredentials = errors.New("credentials not configured")
	ErrSecuredAP     = errors.New("only open access points are supported")
)

type Config struct {
	// Interface selects the wireless device by name; empty takes the first.
	Interface    string
	APAddress    string
	APProfileDir string
}

// Client drives the wireless device through iwd and implements link.Driver.
// Station association results arrive as link events; got-address is fed in
// by the netlink watcher through Emit.
type Client struct {
	conn     *dbus.Conn
	cfg      Config
	stateMgr *state.Manager
	log      zerolog.Logger
	agent    *Agent

	mu          sync.Mutex
	devicePath  dbus.ObjectPath
	initialized bool
	ready       chan struct{}
	mode        string
	creds       credentials.Credentials
	apSSID      string
	lastAttempt time.Time
	stationSt   string
	connectID   uint64
	// Set from Associate until the attempt goroutine has finished. Station
	// changes seen meanwhile belong to the attempt and are not reported.
	attempting bool

	// Hook run after a successful Connect; wired to the address watcher.
	onAssociated func()

	scanDone chan struct{}
	events   chan link.Event
	closed   chan struct{}
	once     sync.Once
}

// NewClient connects to the requested bus ("system" or "session") and starts
// tracking the iwd service. iwd does not have to be running yet.
func NewClient(bus string, cfg Config, stateMgr *state.Manager, log zerolog.Logger) (*Client, error) {
	conn, err := connectBus(bus)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s bus: %w", bus, err)
	}

	if cfg.APProfileDir == "" {
		cfg.APProfileDir = DefaultAPProfileDir
	}

	c := &Client{
		conn:     conn,
		cfg:      cfg,
		stateMgr: stateMgr,
		log:      log,
		ready:    make(chan struct{}),
		scanDone: make(chan struct{}, 1),
		events:   make(chan link.Event, eventBuffer),
		closed:   make(chan struct{}),
	}
	c.agent = NewAgent(conn, log.With().Str("component", "iwd-agent").Logger())

	if err := c.subscribe(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to subscribe to iwd signals")
	}

	if err := c.maybeInit(); err != nil {
		c.log.Info().Err(err).Msg("iwd not available yet, waiting for it to appear")
	}

	return c, nil
}

func connectBus(bus string) (*dbus.Conn, error) {
	if bus == "session" {
		return dbus.SessionBus()
	}
	return dbus.SystemBus()
}

// Conn exposes the bus connection so other services can share it.
func (c *Client) Conn() *dbus.Conn {
	return c.conn
}

// OnAssociated registers fn to run after each successful association.
func (c *Client) OnAssociated(fn func()) {
	c.mu.Lock()
	c.onAssociated = fn
	c.mu.Unlock()
}

// subscribe installs match rules for iwd lifecycle and property changes and
// dispatches them from a single goroutine.
func (c *Client) subscribe() error {
	rules := []string{
		"type='signal',sender='org.freedesktop.DBus',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='" + IWDService + "'",
		"type='signal',sender='" + IWDService + "',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesAdded'",
		"type='signal',sender='" + IWDService + "',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged'",
	}
	for _, rule := range rules {
		if err := c.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			return err
		}
	}

	ch := make(chan *dbus.Signal, 16)
	c.conn.Signal(ch)

	go func() {
		for sig := range ch {
			c.dispatch(sig)
		}
	}()
	return nil
}

func (c *Client) dispatch(sig *dbus.Signal) {
	switch sig.Name {
	case nameOwnerChanged:
		if len(sig.Body) != 3 {
			return
		}
		name, _ := sig.Body[0].(string)
		oldOwner, _ := sig.Body[1].(string)
		newOwner, _ := sig.Body[2].(string)
		if name != IWDService {
			return
		}
		if oldOwner == "" && newOwner != "" {
			c.log.Info().Msg("iwd appeared, initializing")
			if err := c.maybeInit(); err != nil {
				c.log.Warn().Err(err).Msg("Failed to initialize iwd")
			}
		} else if oldOwner != "" && newOwner == "" {
			c.log.Warn().Msg("iwd disappeared")
			c.handleDisappear()
		}

	case interfacesAdded:
		if len(sig.Body) < 2 {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		if _, hasDevice := ifaces[DeviceIface]; hasDevice {
			if err := c.maybeInit(); err != nil {
				c.log.Debug().Err(err).Msg("Device appeared but initialization failed")
			}
		}

	case propertiesChanged:
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		props, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		switch iface {
		case StationIface:
			c.handleStationChange(sig.Path, props)
		case DeviceIface:
			if v, ok := props["Powered"]; ok {
				if powered, ok := v.Value().(bool); ok && !powered {
					c.log.Warn().Msg("Wireless device powered off")
				}
			}
		}
	}
}

// maybeInit finds the device and registers the agent. It is idempotent.
func (c *Client) maybeInit() error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := c.conn.Object(IWDService, "/").Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return fmt.Errorf("failed to get managed objects: %w", err)
	}

	path, name, ok := selectDevice(objects, c.cfg.Interface)
	if !ok {
		if c.cfg.Interface != "" {
			return fmt.Errorf("no wireless device named %s", c.cfg.Interface)
		}
		return fmt.Errorf("no wireless device found")
	}

	if err := c.agent.Register(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to register agent with iwd")
	}

	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.devicePath = path
	c.initialized = true
	close(c.ready)
	mode := c.mode
	c.mu.Unlock()

	c.stateMgr.Update(func(st *state.State) {
		st.InterfaceName = name
	})
	c.log.Info().Str("device", string(path)).Str("interface", name).Msg("iwd client connected")

	// iwd restarts in station mode; bring the access point back.
	if mode == modeAP {
		go c.startAccessPoint()
	}
	return nil
}

func (c *Client) handleDisappear() {
	c.mu.Lock()
	c.initialized = false
	c.devicePath = ""
	c.ready = make(chan struct{})
	wasConnected := c.stationSt == "connected" || c.stationSt == "roaming"
	c.stationSt = ""
	mode := c.mode
	attempting := c.attempting
	c.mu.Unlock()

	if mode == modeStation && wasConnected && !attempting {
		c.Emit(link.Event{Type: link.EventDisconnected, Reason: "iwd stopped"})
	}
}

func (c *Client) handleStationChange(path dbus.ObjectPath, props map[string]dbus.Variant) {
	if v, ok := props["Scanning"]; ok {
		if scanning, ok := v.Value().(bool); ok && !scanning {
			select {
			case c.scanDone <- struct{}{}:
			default:
			}
		}
	}

	v, ok := props["State"]
	if !ok {
		return
	}
	next, _ := v.Value().(string)

	c.mu.Lock()
	if path != c.devicePath {
		c.mu.Unlock()
		return
	}
	prev := c.stationSt
	c.stationSt = next
	mode := c.mode
	attempting := c.attempting
	c.mu.Unlock()

	c.log.Debug().Str("from", prev).Str("to", next).Msg("Station state changed")

	// An outstanding attempt reports its own outcome.
	if mode == modeStation && linkLost(prev, next) && !attempting {
		c.Emit(link.Event{Type: link.EventDisconnected, Reason: "link lost"})
	}
}

// linkLost reports a station falling out of an associated state.
func linkLost(prev, next string) bool {
	return next == "disconnected" && (prev == "connected" || prev == "roaming")
}

// selectDevice picks the device object named iface, or the first device when
// iface is empty.
func selectDevice(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, iface string) (dbus.ObjectPath, string, bool) {
	var (
		best     dbus.ObjectPath
		bestName string
	)
	for path, ifaces := range objects {
		props, ok := ifaces[DeviceIface]
		if !ok {
			continue
		}
		name := ""
		if v, ok := props["Name"]; ok {
			name, _ = v.Value().(string)
		}
		if iface != "" {
			if name == iface {
				return path, name, true
			}
			continue
		}
		// Deterministic pick when several devices exist.
		if best == "" || path < best {
			best, bestName = path, name
		}
	}
	return best, bestName, best != ""
}

// waitReady blocks until iwd is initialized or the client is closed.
func (c *Client) waitReady() (dbus.ObjectPath, error) {
	for {
		c.mu.Lock()
		ready := c.ready
		path := c.devicePath
		initialized := c.initialized
		c.mu.Unlock()

		if initialized {
			return path, nil
		}
		select {
		case <-ready:
		case <-c.closed:
			return "", ErrClosed
		}
	}
}

func (c *Client) setMode(path dbus.ObjectPath, mode string) error {
	obj := c.conn.Object(IWDService, path)
	return obj.Call("org.freedesktop.DBus.Properties.Set", 0, DeviceIface, "Mode", dbus.MakeVariant(mode)).Err
}

// BeginStation switches the device to station mode. The start event is
// emitted once iwd is reachable and the mode is applied.
func (c *Client) BeginStation(creds credentials.Credentials) error {
	if !creds.Configured() {
		return ErrNoCredentials
	}

	c.mu.Lock()
	c.mode = modeStation
	c.creds = creds
	c.mu.Unlock()

	go func() {
		path, err := c.waitReady()
		if err != nil {
			return
		}
		if err := c.setMode(path, modeStation); err != nil {
			c.log.Warn().Err(err).Msg("Failed to set station mode")
		}
		c.log.Info().Str("ssid", creds.SSID).Msg("Station started")
		c.Emit(link.Event{Type: link.EventStart})
	}()
	return nil
}

// Associate starts one connection attempt in the background. The outcome is
// a disconnected event on failure; success is signalled by got-address. A call
// made while an attempt is still outstanding joins that attempt.
func (c *Client) Associate() error {
	c.mu.Lock()
	if c.mode != modeStation {
		c.mu.Unlock()
		return ErrNotStation
	}
	if c.attempting {
		id := c.connectID
		c.mu.Unlock()
		c.log.Debug().Uint64("attempt", id).Msg("Attempt already outstanding")
		return nil
	}
	c.attempting = true
	creds := c.creds
	c.connectID++
	id := c.connectID
	now := time.Now()
	wait := attemptDelay(c.lastAttempt, now)
	c.lastAttempt = now.Add(wait)
	c.mu.Unlock()

	go c.runAttempt(id, creds, wait)
	return nil
}

// attemptDelay is how long an attempt starting at now waits to keep
// retryFloor after the previous one.
func attemptDelay(last, now time.Time) time.Duration {
	wait := retryFloor - now.Sub(last)
	if wait < 0 {
		return 0
	}
	return wait
}

func (c *Client) runAttempt(id uint64, creds credentials.Credentials, wait time.Duration) {
	err := c.associate(id, creds, wait)

	c.mu.Lock()
	c.attempting = false
	hook := c.onAssociated
	c.mu.Unlock()

	switch {
	case errors.Is(err, ErrClosed):
	case err != nil:
		c.Emit(link.Event{Type: link.EventDisconnected, Reason: err.Error()})
	case hook != nil:
		hook()
	}
}

func (c *Client) associate(id uint64, creds credentials.Credentials, wait time.Duration) error {
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-c.closed:
			return ErrClosed
		}
	}

	if _, err := c.waitReady(); err != nil {
		return err
	}

	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()
	if mode != modeStation {
		return ErrNotStation
	}

	log := c.log.With().Str("ssid", creds.SSID).Uint64("attempt", id).Logger()

	netPath, security, err := c.findNetwork(creds.SSID)
	if err != nil {
		log.Warn().Err(err).Msg("Network lookup failed")
		return err
	}

	if needsPassphrase(security) {
		c.agent.SetPending(netPath, creds.Passphrase)
	}

	log.Info().Str("network", string(netPath)).Str("security", security).Msg("Connecting")
	err = c.conn.Object(IWDService, netPath).Call(NetworkIface+".Connect", 0).Err
	if err != nil {
		c.agent.ClearPending(netPath)
		log.Warn().Err(err).Msg("Connect failed")
		return err
	}

	log.Info().Msg("Associated")
	return nil
}

type orderedNetwork struct {
	Path dbus.ObjectPath
	RSSI int16
}

type networkInfo struct {
	Path     dbus.ObjectPath
	Name     string
	Security string
}

// findNetwork looks the SSID up among visible networks, scanning once if it
// is not already known.
func (c *Client) findNetwork(ssid string) (dbus.ObjectPath, string, error) {
	if info, ok := matchNetwork(c.visibleNetworks(), ssid); ok {
		return info.Path, info.Security, nil
	}

	c.scan()

	if info, ok := matchNetwork(c.visibleNetworks(), ssid); ok {
		return info.Path, info.Security, nil
	}
	return "", "", fmt.Errorf("network not found: %s", ssid)
}

func (c *Client) scan() {
	c.mu.Lock()
	path := c.devicePath
	c.mu.Unlock()

	// Drop a stale completion left by a periodic scan.
	select {
	case <-c.scanDone:
	default:
	}

	err := c.conn.Object(IWDService, path).Call(StationIface+".Scan", 0).Err
	if err != nil && !strings.Contains(err.Error(), "Busy") {
		c.log.Debug().Err(err).Msg("Scan call failed")
		return
	}

	select {
	case <-c.scanDone:
	case <-time.After(scanTimeout):
		c.log.Debug().Dur("timeout", scanTimeout).Msg("Scan timed out, proceeding anyway")
	case <-c.closed:
	}
}

func (c *Client) visibleNetworks() []networkInfo {
	c.mu.Lock()
	path := c.devicePath
	c.mu.Unlock()

	var ordered []orderedNetwork
	if err := c.conn.Object(IWDService, path).Call(StationIface+".GetOrderedNetworks", 0).Store(&ordered); err != nil {
		c.log.Debug().Err(err).Msg("GetOrderedNetworks failed")
		return nil
	}

	networks := make([]networkInfo, 0, len(ordered))
	for _, o := range ordered {
		var props map[string]dbus.Variant
		if err := c.conn.Object(IWDService, o.Path).Call("org.freedesktop.DBus.Properties.GetAll", 0, NetworkIface).Store(&props); err != nil {
			continue
		}
		info := networkInfo{Path: o.Path}
		if v, ok := props["Name"]; ok {
			info.Name, _ = v.Value().(string)
		}
		if v, ok := props["Type"]; ok {
			info.Security, _ = v.Value().(string)
		}
		networks = append(networks, info)
	}
	return networks
}

// matchNetwork returns the first network named ssid. Networks arrive
// strongest first.
func matchNetwork(networks []networkInfo, ssid string) (networkInfo, bool) {
	for _, n := range networks {
		if n.Name == ssid {
			return n, true
		}
	}
	return networkInfo{}, false
}

func needsPassphrase(security string) bool {
	switch security {
	case "psk", "sae", "wpa2", "wpa3":
		return true
	}
	return false
}

// BeginAccessPoint writes the AP profile and starts the access point once
// iwd is reachable. The provisioning network has no passphrase, so only open
// access points are accepted.
func (c *Client) BeginAccessPoint(ssid string, open bool) error {
	if !open {
		return ErrSecuredAP
	}
	if err := c.writeAPProfile(ssid); err != nil {
		return err
	}

	c.mu.Lock()
	c.mode = modeAP
	c.apSSID = ssid
	c.mu.Unlock()

	go c.startAccessPoint()
	return nil
}

func (c *Client) startAccessPoint() {
	path, err := c.waitReady()
	if err != nil {
		return
	}

	c.mu.Lock()
	ssid := c.apSSID
	c.mu.Unlock()

	if err := c.setMode(path, modeAP); err != nil {
		c.log.Error().Err(err).Msg("Failed to switch device to AP mode")
		return
	}
	if err := c.conn.Object(IWDService, path).Call(AccessPointIface+".StartProfile", 0, ssid).Err; err != nil {
		c.log.Error().Err(err).Str("ssid", ssid).Msg("Failed to start access point")
		return
	}
	c.log.Info().Str("ssid", ssid).Str("address", c.cfg.APAddress).Msg("Access point started")
}

func (c *Client) writeAPProfile(ssid string) error {
	if err := os.MkdirAll(c.cfg.APProfileDir, 0o700); err != nil {
		return fmt.Errorf("create AP profile dir: %w", err)
	}
	p := filepath.Join(c.cfg.APProfileDir, ssid+".ap")
	if err := os.WriteFile(p, []byte(apProfile(c.cfg.APAddress)), 0o600); err != nil {
		return fmt.Errorf("write AP profile: %w", err)
	}
	return nil
}

// apProfile renders an open access point profile that hands out addresses
// from the portal's subnet.
func apProfile(address string) string {
	var b strings.Builder
	b.WriteString("[General]\nChannel=1\n")
	if address != "" {
		fmt.Fprintf(&b, "\n[IPv4]\nAddress=%s\n", address)
	}
	return b.String()
}

// Stop tears down whichever mode is active.
func (c *Client) Stop() error {
	c.mu.Lock()
	mode := c.mode
	path := c.devicePath
	initialized := c.initialized
	c.mode = ""
	c.mu.Unlock()

	if !initialized {
		return nil
	}

	switch mode {
	case modeAP:
		return c.conn.Object(IWDService, path).Call(AccessPointIface+".Stop", 0).Err
	case modeStation:
		return c.conn.Object(IWDService, path).Call(StationIface+".Disconnect", 0).Err
	}
	return nil
}

func (c *Client) Events() <-chan link.Event {
	return c.events
}

// Emit queues a link event for the consumer. It blocks while the buffer is
// full and gives up once the client is closed.
func (c *Client) Emit(ev link.Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// Close unregisters the agent and closes the bus connection.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		if uerr := c.agent.Unregister(); uerr != nil {
			c.log.Debug().Err(uerr).Msg("Failed to unregister agent")
		}
		err = c.conn.Close()
	})
	return err
}
