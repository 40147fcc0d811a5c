// Package connectivity decides between access-point provisioning and station
// operation, reacts to link events and keeps the node associated.
//
// Station mode retries forever: every disconnect, whatever its cause, leads
// straight to a new association attempt with no backoff. An attempt the driver
// refuses to start is retried after RetryDelay. At most one attempt is
// outstanding at a time. Access-point mode is only left by a restart.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"raingauge/internal/credentials"
	"raingauge/internal/link"
	"raingauge/internal/metrics"
	"raingauge/internal/nodeerr"
	"raingauge/internal/state"
)

var ErrAlreadyConfigured = errors.New("connectivity: already configured")

// RetryDelay spaces attempts the driver rejected synchronously.
const RetryDelay = time.Second

type CredentialSource interface {
	Load() (credentials.Credentials, bool)
}

// Portal is the provisioning gateway started in access-point mode.
type Portal interface {
	Activate(ctx context.Context) error
}

type Config struct {
	APSSID    string
	APAddress string
	Interface string
}

type Manager struct {
	driver   link.Driver
	creds    CredentialSource
	portal   Portal
	stateMgr *state.Manager
	metrics  *metrics.Node
	cfg      Config
	log      zerolog.Logger

	mu          sync.Mutex
	configured  bool
	mode        state.LinkState
	inFlight    bool
	connected   bool
	connectedCh chan struct{} // closed while connected

	// Owned by the Run goroutine.
	retryDelay time.Duration
	retryArmed bool
}

func New(driver link.Driver, creds CredentialSource, portal Portal, stateMgr *state.Manager, cfg Config, m *metrics.Node, log zerolog.Logger) *Manager {
	return &Manager{
		driver:      driver,
		creds:       creds,
		portal:      portal,
		stateMgr:    stateMgr,
		metrics:     m,
		cfg:         cfg,
		log:         log,
		mode:        state.StateUninitialized,
		connectedCh: make(chan struct{}),
		retryDelay:  RetryDelay,
	}
}

// Configure picks the boot mode. With credentials present the stored network
// is joined in station mode; otherwise the access point and the captive
// portal are started. Errors are driver or portal initialization failures.
func (m *Manager) Configure(ctx context.Context, credentialsPresent bool) error {
	m.mu.Lock()
	if m.configured {
		m.mu.Unlock()
		return ErrAlreadyConfigured
	}
	m.configured = true
	m.mu.Unlock()

	// Start from a quiet radio whatever a previous run left behind.
	if err := m.driver.Stop(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to stop wireless driver before configuring")
	}

	if credentialsPresent {
		creds, ok := m.creds.Load()
		if ok {
			return m.startStation(creds)
		}
		m.log.Warn().Msg("Credentials reported present but could not be loaded, falling back to AP mode")
	}
	return m.startAccessPoint(ctx)
}

func (m *Manager) startStation(creds credentials.Credentials) error {
	m.log.Info().Str("ssid", creds.SSID).Msg("Connecting to stored network")
	m.setMode(state.StateStaConnecting)
	m.stateMgr.Update(func(st *state.State) {
		st.LinkState = state.StateStaConnecting
		st.SSID = creds.SSID
		st.InterfaceName = m.cfg.Interface
	})

	if err := m.driver.BeginStation(creds); err != nil {
		return nodeerr.NewLinkError("begin station mode", err)
	}
	return nil
}

func (m *Manager) startAccessPoint(ctx context.Context) error {
	m.log.Info().Str("ap_ssid", m.cfg.APSSID).Msg("No credentials stored, starting AP mode for provisioning")
	m.setMode(state.StateApProvisioning)
	m.stateMgr.Update(func(st *state.State) {
		st.LinkState = state.StateApProvisioning
		st.APSSID = m.cfg.APSSID
		st.APAddress = m.cfg.APAddress
		st.InterfaceName = m.cfg.Interface
	})

	if err := m.driver.BeginAccessPoint(m.cfg.APSSID, true); err != nil {
		return nodeerr.NewLinkError("begin access point", err)
	}
	if err := m.portal.Activate(ctx); err != nil {
		return nodeerr.NewLinkError("activate captive portal", err)
	}
	return nil
}

// Run consumes driver events until ctx ends. It must run in exactly one
// goroutine.
func (m *Manager) Run(ctx context.Context) error {
	events := m.driver.Events()

	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()
	armed := false

	for {
		if m.retryArmed && !armed {
			retry.Reset(m.retryDelay)
			armed = true
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retry.C:
			armed = false
			m.retryArmed = false
			m.retry()
		case ev, ok := <-events:
			if !ok {
				return nodeerr.NewLinkError("driver event channel closed", nil)
			}
			m.handle(ev)
		}
	}
}

// Stop takes the radio down. It is meant for shutdown, after Run returned.
func (m *Manager) Stop() error {
	m.setMode(state.StateUninitialized)
	if err := m.driver.Stop(); err != nil {
		return nodeerr.NewLinkError("stop driver", err)
	}
	return nil
}

func (m *Manager) handle(ev link.Event) {
	mode := m.State()
	if !mode.Station() {
		m.log.Debug().Stringer("event", ev.Type).Str("state", string(mode)).Msg("Ignoring link event outside station mode")
		return
	}

	switch ev.Type {
	case link.EventStart:
		if mode != state.StateStaConnecting {
			m.log.Debug().Str("state", string(mode)).Msg("Ignoring start event")
			return
		}
		m.attempt()

	case link.EventDisconnected:
		m.metrics.Disconnected()
		m.markDisconnected(ev.Reason)
		m.log.Info().Str("reason", ev.Reason).Msg("Link lost, reconnecting")
		m.attempt()

	case link.EventGotAddress:
		addr := ""
		if ev.Address != nil {
			addr = ev.Address.String()
		}
		if mode == state.StateStaConnected {
			m.stateMgr.Update(func(st *state.State) { st.IPAddress = addr })
			return
		}

		m.mu.Lock()
		m.inFlight = false
		m.mode = state.StateStaConnected
		m.raiseLocked()
		m.mu.Unlock()

		m.log.Info().Str("ip", addr).Msg("Connected")
		m.stateMgr.Update(func(st *state.State) {
			st.LinkState = state.StateStaConnected
			st.AttemptInFlight = false
			st.IPAddress = addr
			st.Connections++
			st.ConnectedSince = time.Now()
			st.LastError = ""
		})

	default:
		m.log.Warn().Int("type", int(ev.Type)).Msg("Unknown link event")
	}
}

// attempt starts an association unless one is already outstanding.
func (m *Manager) attempt() {
	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		m.log.Debug().Msg("Association already in flight, not starting another")
		return
	}
	m.inFlight = true
	m.mode = state.StateStaConnecting
	m.mu.Unlock()

	m.metrics.AssociationStarted()
	m.stateMgr.Update(func(st *state.State) {
		st.LinkState = state.StateStaConnecting
		st.AttemptInFlight = true
		st.Attempts++
	})

	if err := m.driver.Associate(); err != nil {
		m.log.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("Association could not be started")
		m.markDisconnected(err.Error())
		m.retryArmed = true
	}
}

// retry restarts association after a rejected attempt unless something else
// already did.
func (m *Manager) retry() {
	if m.State() != state.StateStaDisconnected {
		return
	}
	m.attempt()
}

func (m *Manager) markDisconnected(reason string) {
	m.mu.Lock()
	m.inFlight = false
	m.mode = state.StateStaDisconnected
	m.lowerLocked()
	m.mu.Unlock()

	m.stateMgr.Update(func(st *state.State) {
		st.LinkState = state.StateStaDisconnected
		st.AttemptInFlight = false
		st.Failures++
		st.IPAddress = ""
		st.ConnectedSince = time.Time{}
		st.LastError = reason
	})
}

func (m *Manager) setMode(s state.LinkState) {
	m.mu.Lock()
	m.mode = s
	m.mu.Unlock()
}

func (m *Manager) raiseLocked() {
	if m.connected {
		return
	}
	m.connected = true
	close(m.connectedCh)
}

func (m *Manager) lowerLocked() {
	if !m.connected {
		return
	}
	m.connected = false
	m.connectedCh = make(chan struct{})
}

// State returns the current link state.
func (m *Manager) State() state.LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// WaitConnected blocks until the station holds an address. There is no
// timeout beyond ctx.
func (m *Manager) WaitConnected(ctx context.Context) error {
	m.mu.Lock()
	ch := m.connectedCh
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
