// Package nvs is a small namespaced string store persisted on disk, one file
// per namespace. Changes made through a Handle are buffered until Commit.
package nvs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// MaxKeyLen mirrors the key limit of flash-backed NVS partitions.
const MaxKeyLen = 15

var (
	ErrNotFound   = errors.New("nvs: key not found")
	ErrCorrupt    = errors.New("nvs: namespace is corrupt")
	ErrReadOnly   = errors.New("nvs: handle is read-only")
	ErrClosed     = errors.New("nvs: handle is closed")
	ErrInvalidKey = errors.New("nvs: invalid key")
)

type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// Store owns a directory of namespace files.
type Store struct {
	dir string
	mu  sync.Mutex // serializes commits across handles
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(namespace string) string {
	return filepath.Join(s.dir, namespace+".nvs")
}

// Open loads namespace into a handle. A namespace that was never committed
// opens empty. A corrupt namespace fails a ReadOnly open; a ReadWrite open
// starts empty and the next Commit replaces the damaged file.
func (s *Store) Open(namespace string, mode Mode) (*Handle, error) {
	if err := validKey(namespace); err != nil {
		return nil, fmt.Errorf("namespace %q: %w", namespace, err)
	}

	s.mu.Lock()
	data, err := os.ReadFile(s.path(namespace))
	s.mu.Unlock()

	h := &Handle{store: s, namespace: namespace, mode: mode, entries: make(map[string]string)}
	switch {
	case err == nil:
		entries, err := decode(data)
		switch {
		case err == nil:
			h.entries = entries
		case errors.Is(err, ErrCorrupt) && mode == ReadWrite:
			h.recovered = true
			h.dirty = true
		default:
			return nil, fmt.Errorf("namespace %q: %w", namespace, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read namespace %q: %w", namespace, err)
	}

	return h, nil
}

// Handle is a view on one namespace. It is not safe for concurrent use.
type Handle struct {
	store     *Store
	namespace string
	mode      Mode
	entries   map[string]string
	dirty     bool
	closed    bool
	recovered bool
}

// Recovered reports whether the handle replaced a corrupt namespace with an
// empty one.
func (h *Handle) Recovered() bool {
	return h.recovered
}

func (h *Handle) GetString(key string) (string, error) {
	if h.closed {
		return "", ErrClosed
	}
	v, ok := h.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (h *Handle) SetString(key, value string) error {
	if err := h.writable(); err != nil {
		return err
	}
	if err := validKey(key); err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	h.entries[key] = value
	h.dirty = true
	return nil
}

// EraseAll removes every key in the namespace.
func (h *Handle) EraseAll() error {
	if err := h.writable(); err != nil {
		return err
	}
	h.entries = make(map[string]string)
	h.dirty = true
	return nil
}

// Commit writes buffered changes atomically (temp file + rename).
func (h *Handle) Commit() error {
	if err := h.writable(); err != nil {
		return err
	}
	if !h.dirty {
		return nil
	}

	data, err := encode(h.entries)
	if err != nil {
		return err
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	final := h.store.path(h.namespace)
	tmp, err := os.CreateTemp(h.store.dir, h.namespace+".*.tmp")
	if err != nil {
		return fmt.Errorf("commit %q: %w", h.namespace, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("commit %q: %w", h.namespace, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("commit %q: %w", h.namespace, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("commit %q: %w", h.namespace, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("commit %q: %w", h.namespace, err)
	}

	h.dirty = false
	return nil
}

// Close releases the handle. Uncommitted changes are discarded.
func (h *Handle) Close() error {
	if h.closed {
		return ErrClosed
	}
	h.closed = true
	h.entries = nil
	return nil
}

func (h *Handle) writable() error {
	if h.closed {
		return ErrClosed
	}
	if h.mode != ReadWrite {
		return ErrReadOnly
	}
	return nil
}

func validKey(key string) error {
	if key == "" || len(key) > MaxKeyLen {
		return ErrInvalidKey
	}
	for _, r := range key {
		if r == '/' || r == '\\' || r == '.' || r < 0x20 {
			return ErrInvalidKey
		}
	}
	return nil
}
