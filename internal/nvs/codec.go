package nvs

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// sumSize is the length of the blake3 digest that prefixes every namespace
// file.
const sumSize = 32

// formatVersion is bumped whenever record changes shape.
const formatVersion = 1

type record struct {
	Version int               `cbor:"1,keyasint"`
	Entries map[string]string `cbor:"2,keyasint"`
}

// encMode uses Core Deterministic Encoding so the same entries always hash
// to the same digest.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("nvs: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("nvs: CBOR decoder initialization failed: " + err.Error())
	}
}

func encode(entries map[string]string) ([]byte, error) {
	payload, err := encMode.Marshal(record{Version: formatVersion, Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("encode namespace: %w", err)
	}
	sum := blake3.Sum256(payload)

	out := make([]byte, 0, sumSize+len(payload))
	out = append(out, sum[:]...)
	return append(out, payload...), nil
}

func decode(data []byte) (map[string]string, error) {
	if len(data) < sumSize {
		return nil, ErrCorrupt
	}
	want, payload := data[:sumSize], data[sumSize:]
	got := blake3.Sum256(payload)
	if !bytes.Equal(want, got[:]) {
		return nil, ErrCorrupt
	}

	var rec record
	if err := decMode.Unmarshal(payload, &rec); err != nil {
		return nil, errors.Join(ErrCorrupt, err)
	}
	if rec.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, rec.Version)
	}
	if rec.Entries == nil {
		rec.Entries = make(map[string]string)
	}
	return rec.Entries, nil
}
