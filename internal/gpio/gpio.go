// Package gpio opens the node's sensor, button and LED lines through the
// Linux GPIO character device.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	gpiod "github.com/warthog618/go-gpiocdev"
)

// Chip owns a GPIO chip and every line requested from it.
type Chip struct {
	mu    sync.Mutex
	chip  *gpiod.Chip
	lines []*gpiod.Line
}

func Open(name string) (*Chip, error) {
	c, err := gpiod.NewChip(name)
	if err != nil {
		return nil, fmt.Errorf("open chip %s: %w", name, err)
	}
	return &Chip{chip: c}, nil
}

// Input requests offset as an input, optionally with the internal pull-up.
func (c *Chip) Input(offset int, pullUp bool) (*Input, error) {
	opts := []gpiod.LineReqOption{gpiod.AsInput}
	if pullUp {
		opts = append(opts, gpiod.WithPullUp)
	}

	line, err := c.request(offset, opts...)
	if err != nil {
		return nil, err
	}
	return &Input{line: line}, nil
}

// Output requests offset as an output driven to initial.
func (c *Chip) Output(offset int, initial bool) (*Output, error) {
	line, err := c.request(offset, gpiod.AsOutput(boolToValue(initial)))
	if err != nil {
		return nil, err
	}
	return &Output{line: line}, nil
}

func (c *Chip) request(offset int, opts ...gpiod.LineReqOption) (*gpiod.Line, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chip == nil {
		return nil, fmt.Errorf("chip not opened")
	}

	line, err := c.chip.RequestLine(offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request line %d: %w", offset, err)
	}
	c.lines = append(c.lines, line)
	return line, nil
}

// Close releases all lines and then the chip.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, line := range c.lines {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line %d: %w", line.Offset(), err))
		}
	}
	c.lines = nil

	if c.chip != nil {
		if err := c.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		c.chip = nil
	}
	return errors.Join(errs...)
}

type Input struct {
	line *gpiod.Line
}

// Level reports true when the line reads high.
func (i *Input) Level() (bool, error) {
	v, err := i.line.Value()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

type Output struct {
	line *gpiod.Line
}

func (o *Output) Set(on bool) error {
	return o.line.SetValue(boolToValue(on))
}

func boolToValue(b bool) int {
	if b {
		return 1
	}
	return 0
}
