// Package report turns accumulated sensor transitions into periodic uplink
// reports. A report that fails to send is dropped; its transitions are not
// carried into the next cycle.
package report

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"raingauge/internal/metrics"
)

// Measurement is one report's derived value.
type Measurement struct {
	Count   uint32
	Value   float64
	TakenAt time.Time
}

func NewMeasurement(count uint32, factor float64, at time.Time) Measurement {
	return Measurement{Count: count, Value: float64(count) * factor, TakenAt: at}
}

type Drainer interface {
	Drain() uint32
}

type ConnectionWaiter interface {
	WaitConnected(ctx context.Context) error
}

type Sender interface {
	Send(ctx context.Context, m Measurement) error
}

type Config struct {
	Interval          time.Duration
	CalibrationFactor float64
}

type Scheduler struct {
	cfg     Config
	link    ConnectionWaiter
	counter Drainer
	sender  Sender
	metrics *metrics.Node
	log     zerolog.Logger
	now     func() time.Time
}

func NewScheduler(cfg Config, link ConnectionWaiter, counter Drainer, sender Sender, m *metrics.Node, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		link:    link,
		counter: counter,
		sender:  sender,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// Run loops until ctx is done: wait for connectivity with no timeout, sleep
// one interval, then drain and send.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := s.link.WaitConnected(ctx); err != nil {
			return nil
		}

		timer := time.NewTimer(s.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		s.cycle(ctx)
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	m := NewMeasurement(s.counter.Drain(), s.cfg.CalibrationFactor, s.now())
	s.log.Info().Uint32("count", m.Count).Float64("value", m.Value).Msg("Connected, sending report")

	if err := s.sender.Send(ctx, m); err != nil {
		s.metrics.ReportFailed(m.Value)
		s.log.Error().Err(err).Uint32("count", m.Count).Float64("value", m.Value).Msg("Failed to send report, dropping it")
		return
	}

	s.metrics.ReportSent(m.Value)
	s.log.Info().Float64("value", m.Value).Msg("Report sent")
}
