// Package notify delivers buyer and seller messages. Delivery is best
// effort; callers log failures instead of acting on them.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// Sink accepts a message for a user.
type Sink interface {
	Notify(ctx context.Context, userID, message string) error
}

// Fanout delivers to every sink, even after one fails, and returns the
// combined failures.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, userID, message string) error {
	var errs error
	for i, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, userID, message); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errs
}

// Discard drops every message.
type Discard struct{}

func (Discard) Notify(context.Context, string, string) error { return nil }
