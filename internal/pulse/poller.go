package pulse

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"raingauge/internal/metrics"
)

// DefaultPollInterval is the debounce floor: the line is sampled no faster
// than this.
const DefaultPollInterval = 100 * time.Millisecond

// LevelReader is a digital input line.
type LevelReader interface {
	Level() (bool, error)
}

// Poller samples a line on a fixed cadence and feeds the counter
type Poller struct {
	line     LevelReader
	counter  *Counter
	interval time.Duration
	metrics  *metrics.Node
	log      zerolog.Logger
	running  atomic.Bool

	readErrors uint64
}

// NewPoller creates a poller; interval <= 0 selects DefaultPollInterval
func NewPoller(line LevelReader, counter *Counter, interval time.Duration, m *metrics.Node, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		line:     line,
		counter:  counter,
		interval: interval,
		metrics:  m,
		log:      log,
	}
}

// Run samples until ctx is done. A second concurrent Run returns at once.
func (p *Poller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}
	defer p.running.Store(false)

	p.log.Info().Dur("interval", p.interval).Msg("Sensor initialized, waiting for events")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.sample()
		}
	}
}

func (p *Poller) sample() {
	level, err := p.line.Level()
	if err != nil {
		p.readErrors++
		// Log the first failure and then every hundredth to avoid log spam.
		if p.readErrors%100 == 1 {
			p.log.Warn().Err(err).Uint64("errors", p.readErrors).Msg("Sensor read failed")
		}
		return
	}

	if p.counter.OnEdge(level) {
		p.metrics.PulseCounted()
		edge := "falling"
		if level {
			edge = "rising"
		}
		p.log.Debug().Str("edge", edge).Uint32("pending", p.counter.Pending()).Msg("Edge detected")
	}
}
