package pulse

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSevenEdgesThenDoubleDrain(t *testing.T) {
	t.Parallel()
	c := NewCounter(true)

	level := true
	for i := 0; i < 7; i++ {
		level = !level
		require.True(t, c.OnEdge(level))
	}

	assert.Equal(t, uint32(7), c.Drain())
	assert.Equal(t, uint32(0), c.Drain())
	assert.Equal(t, uint64(7), c.Total())
}

func TestSameLevelDoesNotCount(t *testing.T) {
	t.Parallel()
	c := NewCounter(true)

	assert.False(t, c.OnEdge(true))
	assert.True(t, c.OnEdge(false))
	assert.False(t, c.OnEdge(false))
	assert.False(t, c.OnEdge(false))
	assert.True(t, c.OnEdge(true))

	assert.Equal(t, uint32(2), c.Pending())
	assert.Equal(t, uint32(2), c.Drain())
}

func TestDrainsNeverLoseOrDuplicateUnderConcurrency(t *testing.T) {
	t.Parallel()
	c := NewCounter(true)

	const producers = 4
	const samples = 5000

	var counted atomic.Uint64
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			level := p%2 == 0
			for i := 0; i < samples; i++ {
				level = !level
				if c.OnEdge(level) {
					counted.Add(1)
				}
			}
		}(p)
	}

	stop := make(chan struct{})
	result := make(chan uint64)
	go func() {
		var drained uint64
		for {
			select {
			case <-stop:
				result <- drained
				return
			default:
				drained += uint64(c.Drain())
				runtime.Gosched()
			}
		}
	}()

	wg.Wait()
	close(stop)
	drained := <-result
	drained += uint64(c.Drain())

	assert.Equal(t, counted.Load(), drained)
	assert.Equal(t, c.Total(), drained)
	assert.Zero(t, c.Drain())
}

type scriptedLine struct {
	mu     sync.Mutex
	levels []bool
	err    error
	reads  int
}

func (l *scriptedLine) Level() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	if l.err != nil {
		return false, l.err
	}
	if len(l.levels) == 0 {
		return true, nil
	}
	v := l.levels[0]
	l.levels = l.levels[1:]
	return v, nil
}

func (l *scriptedLine) exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.levels) == 0
}

func TestPollerFeedsCounter(t *testing.T) {
	t.Parallel()

	line := &scriptedLine{levels: []bool{true, false, false, true, true, false, true}}
	c := NewCounter(true)
	p := NewPoller(line, c, time.Millisecond, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, line.exhausted, time.Second, time.Millisecond)
	// high→low, low→high, high→low, low→high; the trailing idle reads stay high.
	assert.Eventually(t, func() bool { return c.Pending() == 4 }, time.Second, time.Millisecond)
}

func TestPollerSkipsReadErrors(t *testing.T) {
	t.Parallel()

	line := &scriptedLine{err: errors.New("line busy")}
	c := NewCounter(true)
	p := NewPoller(line, c, time.Millisecond, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	assert.Zero(t, c.Pending())
	assert.Positive(t, p.readErrors)
}

func TestPollerRunIsExclusive(t *testing.T) {
	t.Parallel()

	p := NewPoller(&scriptedLine{}, NewCounter(true), time.Millisecond, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx)
	require.Eventually(t, p.running.Load, time.Second, time.Millisecond)

	// A second Run while the first is active returns immediately.
	assert.NoError(t, p.Run(ctx))
}

func TestNewPollerDefaultsInterval(t *testing.T) {
	t.Parallel()
	p := NewPoller(&scriptedLine{}, NewCounter(true), 0, nil, zerolog.Nop())
	assert.Equal(t, DefaultPollInterval, p.interval)
}
