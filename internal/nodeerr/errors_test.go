package nodeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorMessage(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := NewStoreError("commit namespace", cause)
	assert.Equal(t, "store: commit namespace (disk full)", err.Error())
	assert.ErrorIs(t, err, cause)

	bare := NewTransportError("uplink returned 500", nil)
	assert.Equal(t, "transport: uplink returned 500", bare.Error())
}

func TestIsFollowsWrapChain(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("load credentials: %w", NewStoreError("open", errors.New("io")))
	assert.True(t, Is(err, StoreError))
	assert.False(t, Is(err, LinkError))
	assert.False(t, Is(errors.New("plain"), StoreError))
	assert.False(t, Is(nil, StoreError))
}
