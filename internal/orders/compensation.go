package orders

import (
	"context"
	"errors"
	"fmt"
)

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// compensationLog records undo steps while an order is being placed. Steps
// are prepended so run undoes the most recent effect first.
type compensationLog struct {
	steps []compensation
}

func (c *compensationLog) add(name string, fn func(ctx context.Context) error) {
	c.steps = append([]compensation{{name: name, fn: fn}}, c.steps...)
}

func (c *compensationLog) len() int { return len(c.steps) }

// run executes every step, even after one fails, and reports the failures
// together.
func (c *compensationLog) run(ctx context.Context, onStep func(name string, err error)) error {
	var errs []error
	for _, s := range c.steps {
		err := s.fn(ctx)
		if onStep != nil {
			onStep(s.name, err)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	c.steps = nil
	return errors.Join(errs...)
}
