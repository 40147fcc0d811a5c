// Package led drives the status indicator from the connectivity state:
// blinking while provisioning, solid while connected, off otherwise.
package led

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"raingauge/internal/state"
)

const DefaultBlink = 500 * time.Millisecond

type Setter interface {
	Set(on bool) error
}

type Indicator struct {
	out    Setter
	blink  time.Duration
	states chan state.LinkState
	log    zerolog.Logger
}

func NewIndicator(out Setter, blink time.Duration, log zerolog.Logger) *Indicator {
	if blink <= 0 {
		blink = DefaultBlink
	}
	return &Indicator{
		out:    out,
		blink:  blink,
		states: make(chan state.LinkState, 1),
		log:    log,
	}
}

// Observe hands the latest state to Run without blocking. An unread state is
// replaced.
func (i *Indicator) Observe(s state.LinkState) {
	for {
		select {
		case i.states <- s:
			return
		default:
		}
		select {
		case <-i.states:
		default:
		}
	}
}

func (i *Indicator) Run(ctx context.Context) error {
	ticker := time.NewTicker(i.blink)
	defer ticker.Stop()

	current := state.StateUninitialized
	on := false
	i.set(false)

	for {
		select {
		case <-ctx.Done():
			i.set(false)
			return nil
		case current = <-i.states:
			switch current {
			case state.StateStaConnected:
				on = true
			case state.StateApProvisioning:
				on = !on
				ticker.Reset(i.blink)
			default:
				on = false
			}
			i.set(on)
		case <-ticker.C:
			if current == state.StateApProvisioning {
				on = !on
				i.set(on)
			}
		}
	}
}

func (i *Indicator) set(on bool) {
	if err := i.out.Set(on); err != nil {
		i.log.Debug().Err(err).Bool("on", on).Msg("Failed to drive LED")
	}
}
