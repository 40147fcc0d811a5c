package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.ch)
}

func (g *gate) WaitConnected(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type counterStub struct {
	mu     sync.Mutex
	counts []uint32
	drains int
}

func (c *counterStub) Drain() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drains++
	if len(c.counts) == 0 {
		return 0
	}
	n := c.counts[0]
	c.counts = c.counts[1:]
	return n
}

func (c *counterStub) drainCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drains
}

type recordingSender struct {
	mu   sync.Mutex
	sent []Measurement
	errs []error
}

func (r *recordingSender) Send(_ context.Context, m Measurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return err
	}
	return nil
}

func (r *recordingSender) measurements() []Measurement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Measurement(nil), r.sent...)
}

func TestNewMeasurement(t *testing.T) {
	t.Parallel()
	at := time.Unix(1700000000, 0)

	m := NewMeasurement(7, 6.52, at)
	assert.Equal(t, uint32(7), m.Count)
	assert.InDelta(t, 45.64, m.Value, 1e-9)
	assert.Equal(t, at, m.TakenAt)

	assert.Zero(t, NewMeasurement(0, 6.52, at).Value)
}

func TestSchedulerBlocksUntilConnected(t *testing.T) {
	t.Parallel()

	g := newGate()
	counter := &counterStub{counts: []uint32{3}}
	sender := &recordingSender{}
	s := NewScheduler(Config{Interval: time.Millisecond, CalibrationFactor: 2}, g, counter, sender, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, counter.drainCalls(), "nothing is drained before connectivity")

	g.open()
	require.Eventually(t, func() bool { return len(sender.measurements()) >= 1 }, time.Second, time.Millisecond)

	first := sender.measurements()[0]
	assert.Equal(t, uint32(3), first.Count)
	assert.InDelta(t, 6.0, first.Value, 1e-9)
}

func TestSchedulerDropsFailedReports(t *testing.T) {
	t.Parallel()

	g := newGate()
	g.open()
	counter := &counterStub{counts: []uint32{5, 2}}
	sender := &recordingSender{errs: []error{errors.New("uplink returned 500")}}
	s := NewScheduler(Config{Interval: time.Millisecond, CalibrationFactor: 1}, g, counter, sender, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return len(sender.measurements()) >= 2 }, time.Second, time.Millisecond)

	got := sender.measurements()
	assert.Equal(t, uint32(5), got[0].Count, "first report fails")
	assert.Equal(t, uint32(2), got[1].Count, "failed count is not carried over")
}

func TestSchedulerWaitsFullIntervalBeforeDraining(t *testing.T) {
	t.Parallel()

	g := newGate()
	g.open()
	counter := &counterStub{}
	s := NewScheduler(Config{Interval: time.Hour, CalibrationFactor: 1}, g, counter, &recordingSender{}, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Zero(t, counter.drainCalls())
}

func TestSchedulerReturnsWhenContextEndsWhileWaiting(t *testing.T) {
	t.Parallel()

	s := NewScheduler(Config{Interval: time.Millisecond, CalibrationFactor: 1}, newGate(), &counterStub{}, &recordingSender{}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
