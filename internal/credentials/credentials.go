package credentials

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"raingauge/internal/nodeerr"
	"raingauge/internal/nvs"
)

const (
	Namespace = "wifi_config"

	keySSID     = "ssid"
	keyPassword = "password"

	MaxSSIDLen       = 32
	MaxPassphraseLen = 64
)

// Credentials is the single stored network the node joins in station mode.
type Credentials struct {
	SSID       string
	Passphrase string
}

// Configured reports whether both fields are present.
func (c Credentials) Configured() bool {
	return c.SSID != "" && c.Passphrase != ""
}

// Store persists one Credentials pair in the wifi_config namespace.
type Store struct {
	kv  *nvs.Store
	log zerolog.Logger
}

func NewStore(kv *nvs.Store, log zerolog.Logger) *Store {
	return &Store{kv: kv, log: log}
}

// Load returns the stored pair. Any store failure, and any pair that is not
// fully configured, reads as absent.
func (s *Store) Load() (Credentials, bool) {
	h, err := s.kv.Open(Namespace, nvs.ReadOnly)
	if err != nil {
		s.log.Warn().Err(err).Msg("Credential store unavailable, treating as unconfigured")
		return Credentials{}, false
	}
	defer h.Close()

	ssid, err := h.GetString(keySSID)
	if err != nil {
		if !errors.Is(err, nvs.ErrNotFound) {
			s.log.Warn().Err(err).Msg("Failed to read stored SSID")
		}
		return Credentials{}, false
	}
	pass, err := h.GetString(keyPassword)
	if err != nil {
		if !errors.Is(err, nvs.ErrNotFound) {
			s.log.Warn().Err(err).Msg("Failed to read stored passphrase")
		}
		return Credentials{}, false
	}

	c := Credentials{SSID: ssid, Passphrase: pass}
	if !c.Configured() {
		return Credentials{}, false
	}
	return c, true
}

// Save writes and commits the pair.
func (s *Store) Save(c Credentials) error {
	if len(c.SSID) > MaxSSIDLen {
		return nodeerr.NewParseError(fmt.Sprintf("ssid longer than %d bytes", MaxSSIDLen), nil)
	}
	if len(c.Passphrase) > MaxPassphraseLen {
		return nodeerr.NewParseError(fmt.Sprintf("passphrase longer than %d bytes", MaxPassphraseLen), nil)
	}

	h, err := s.openWritable()
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.SetString(keySSID, c.SSID); err != nil {
		return nodeerr.NewStoreError("set ssid", err)
	}
	if err := h.SetString(keyPassword, c.Passphrase); err != nil {
		return nodeerr.NewStoreError("set password", err)
	}
	if err := h.Commit(); err != nil {
		return nodeerr.NewStoreError("commit", err)
	}

	s.log.Info().Str("ssid", c.SSID).Int("passphrase_len", len(c.Passphrase)).Msg("Credentials saved")
	return nil
}

// Erase removes every key in the namespace.
func (s *Store) Erase() error {
	h, err := s.openWritable()
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.EraseAll(); err != nil {
		return nodeerr.NewStoreError("erase namespace", err)
	}
	if err := h.Commit(); err != nil {
		return nodeerr.NewStoreError("commit", err)
	}

	s.log.Info().Msg("Credentials erased")
	return nil
}

func (s *Store) openWritable() (*nvs.Handle, error) {
	h, err := s.kv.Open(Namespace, nvs.ReadWrite)
	if err != nil {
		return nil, nodeerr.NewStoreError("open namespace", err)
	}
	if h.Recovered() {
		s.log.Warn().Str("namespace", Namespace).Msg("Credential store was corrupt, starting empty")
	}
	return h, nil
}
