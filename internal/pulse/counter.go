package pulse

import "sync"

// Counter accumulates sensor transitions between drains.
//
// Every change of level counts once, both rising and falling, so one bucket
// tip (reed closes then opens) contributes two transitions. OnEdge and Drain
// share one lock: a transition is either in the value a Drain returns or in
// the next one, never both and never neither.
type Counter struct {
	mu    sync.Mutex
	last  bool
	count uint32
	total uint64
}

// NewCounter starts with the given idle level (high for a pulled-up line).
func NewCounter(idle bool) *Counter {
	return &Counter{last: idle}
}

// OnEdge feeds one sample of the line and reports whether it counted.
func (c *Counter) OnEdge(level bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if level == c.last {
		return false
	}
	c.last = level
	c.count++
	c.total++
	return true
}

// Drain returns the transitions since the previous drain and resets to zero.
func (c *Counter) Drain() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.count
	c.count = 0
	return n
}

// Pending returns the undrained count without resetting it.
func (c *Counter) Pending() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Total returns every transition counted since start.
func (c *Counter) Total() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
