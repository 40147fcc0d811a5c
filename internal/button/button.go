// Package button watches the reset button. Holding it for the configured
// duration erases stored credentials and restarts the node.
package button

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultHold         = 5 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

type LevelReader interface {
	Level() (bool, error)
}

type Eraser interface {
	Erase() error
}

type Restarter interface {
	Restart(reason string)
}

// Watcher polls an active-low button line.
type Watcher struct {
	line      LevelReader
	eraser    Eraser
	restarter Restarter
	hold      time.Duration
	interval  time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

func NewWatcher(line LevelReader, eraser Eraser, restarter Restarter, hold, interval time.Duration, log zerolog.Logger) *Watcher {
	if hold <= 0 {
		hold = DefaultHold
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		line:      line,
		eraser:    eraser,
		restarter: restarter,
		hold:      hold,
		interval:  interval,
		log:       log,
		now:       time.Now,
	}
}

func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var pressedAt time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		level, err := w.line.Level()
		if err != nil {
			pressedAt = time.Time{}
			continue
		}

		if level {
			pressedAt = time.Time{}
			continue
		}

		now := w.now()
		if pressedAt.IsZero() {
			pressedAt = now
			w.log.Debug().Msg("Reset button pressed")
			continue
		}

		if now.Sub(pressedAt) >= w.hold {
			w.log.Warn().Dur("held", now.Sub(pressedAt)).Msg("Reset button held, erasing credentials")
			if err := w.eraser.Erase(); err != nil {
				w.log.Error().Err(err).Msg("Failed to erase credentials")
			}
			w.restarter.Restart("reset button")
			return nil
		}
	}
}
