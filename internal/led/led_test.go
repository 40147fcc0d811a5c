package led

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raingauge/internal/state"
)

type recordingOutput struct {
	mu     sync.Mutex
	values []bool
}

func (o *recordingOutput) Set(on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.values = append(o.values, on)
	return nil
}

func (o *recordingOutput) last() (bool, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.values) == 0 {
		return false, 0
	}
	return o.values[len(o.values)-1], len(o.values)
}

func (o *recordingOutput) toggles() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for i := 1; i < len(o.values); i++ {
		if o.values[i] != o.values[i-1] {
			n++
		}
	}
	return n
}

func TestConnectedIsSolid(t *testing.T) {
	t.Parallel()

	out := &recordingOutput{}
	ind := NewIndicator(out, time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ind.Run(ctx)

	ind.Observe(state.StateStaConnected)
	require.Eventually(t, func() bool {
		on, _ := out.last()
		return on
	}, time.Second, time.Millisecond)

	_, before := out.last()
	time.Sleep(20 * time.Millisecond)
	on, after := out.last()
	assert.True(t, on)
	assert.Equal(t, before, after, "no blinking while connected")
}

func TestProvisioningBlinks(t *testing.T) {
	t.Parallel()

	out := &recordingOutput{}
	ind := NewIndicator(out, time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ind.Run(ctx)

	ind.Observe(state.StateApProvisioning)
	assert.Eventually(t, func() bool { return out.toggles() >= 4 }, time.Second, time.Millisecond)
}

func TestDisconnectedIsOff(t *testing.T) {
	t.Parallel()

	out := &recordingOutput{}
	ind := NewIndicator(out, time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ind.Run(ctx)

	ind.Observe(state.StateStaConnected)
	ind.Observe(state.StateStaDisconnected)
	require.Eventually(t, func() bool {
		on, n := out.last()
		return !on && n >= 2
	}, time.Second, time.Millisecond)
}

func TestObserveNeverBlocks(t *testing.T) {
	t.Parallel()

	ind := NewIndicator(&recordingOutput{}, time.Millisecond, zerolog.Nop())
	for i := 0; i < 100; i++ {
		ind.Observe(state.StateStaConnecting)
	}
	ind.Observe(state.StateStaConnected)
	assert.Equal(t, state.StateStaConnected, <-ind.states)
}
