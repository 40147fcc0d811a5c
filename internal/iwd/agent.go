package iwd

import (
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	AgentPath     = "/org/raingauge/agent"
	AgentIface    = "net.connman.iwd.Agent"
	AgentMgrIface = "net.connman.iwd.AgentManager"
	CredentialTTL = 30 * time.Second
)

// PendingCredential holds a passphrase waiting for iwd to ask for it
type PendingCredential struct {
	Passphrase string
	Created    time.Time
}

// Agent implements net.connman.iwd.Agent. iwd calls RequestPassphrase while
// a Network.Connect for a protected network is in progress.
type Agent struct {
	conn    *dbus.Conn
	log     zerolog.Logger
	mu      sync.Mutex
	pending map[dbus.ObjectPath]PendingCredential
	now     func() time.Time
}

func NewAgent(conn *dbus.Conn, log zerolog.Logger) *Agent {
	return &Agent{
		conn:    conn,
		log:     log,
		pending: make(map[dbus.ObjectPath]PendingCredential),
		now:     time.Now,
	}
}

// SetPending stores the passphrase for network until iwd requests it
func (a *Agent) SetPending(network dbus.ObjectPath, passphrase string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.log.Debug().Str("network", string(network)).Int("len", len(passphrase)).Msg("Setting pending credential")
	a.pending[network] = PendingCredential{Passphrase: passphrase, Created: a.now()}
}

func (a *Agent) ClearPending(network dbus.ObjectPath) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, network)
}

func canceled(msg string) *dbus.Error {
	return dbus.NewError(AgentIface+".Error.Canceled", []interface{}{msg})
}

// RequestPassphrase hands out a pending passphrase once
func (a *Agent) RequestPassphrase(network dbus.ObjectPath) (string, *dbus.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cred, ok := a.pending[network]
	if !ok {
		a.log.Warn().Str("network", string(network)).Msg("No pending credential")
		return "", canceled("No credential available")
	}
	delete(a.pending, network)

	if age := a.now().Sub(cred.Created); age > CredentialTTL {
		a.log.Warn().Str("network", string(network)).Dur("age", age).Msg("Pending credential expired")
		return "", canceled("Credential expired")
	}

	return cred.Passphrase, nil
}

func (a *Agent) RequestPrivateKeyPassphrase(network dbus.ObjectPath) (string, *dbus.Error) {
	return "", canceled("Private key passphrase not supported")
}

func (a *Agent) RequestUserNameAndPassword(network dbus.ObjectPath) (string, string, *dbus.Error) {
	return "", "", canceled("User/password authentication not supported")
}

func (a *Agent) RequestUserPassword(network dbus.ObjectPath, user string) (string, *dbus.Error) {
	return "", canceled("User password authentication not supported")
}

// Cancel is called by iwd when a request is abandoned
// ("out-of-range", "user-canceled", "timed-out", "shutdown").
func (a *Agent) Cancel(reason string) *dbus.Error {
	a.log.Debug().Str("reason", reason).Msg("Agent request cancelled")
	a.reset()
	return nil
}

func (a *Agent) Release() *dbus.Error {
	a.log.Debug().Msg("Agent released by iwd")
	a.reset()
	return nil
}

func (a *Agent) reset() {
	a.mu.Lock()
	a.pending = make(map[dbus.ObjectPath]PendingCredential)
	a.mu.Unlock()
}

// Register exports the agent and registers it with iwd's AgentManager
func (a *Agent) Register() error {
	if err := a.conn.Export(a, dbus.ObjectPath(AgentPath), AgentIface); err != nil {
		return err
	}
	obj := a.conn.Object(IWDService, AgentManagerPath)
	return obj.Call(AgentMgrIface+".RegisterAgent", 0, dbus.ObjectPath(AgentPath)).Err
}

func (a *Agent) Unregister() error {
	obj := a.conn.Object(IWDService, AgentManagerPath)
	return obj.Call(AgentMgrIface+".UnregisterAgent", 0, dbus.ObjectPath(AgentPath)).Err
}
