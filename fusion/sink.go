package fusion

import (
	"context"

	"go.uber.org/multierr"
)

// A Sink receives every published estimate. Publish is called from the scheduler loop and should not
// block for long.
type Sink interface {
	Publish(ctx context.Context, odom FilteredOdometry) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, odom FilteredOdometry) error

// Publish calls f(ctx, odom).
func (f SinkFunc) Publish(ctx context.Context, odom FilteredOdometry) error {
	return f(ctx, odom)
}

// MultiSink publishes to every sink in order, combining their errors.
type MultiSink []Sink

// Publish publishes odom to all sinks even if some fail.
func (ms MultiSink) Publish(ctx context.Context, odom FilteredOdometry) error {
	var err error
	for _, s := range ms {
		err = multierr.Append(err, s.Publish(ctx, odom))
	}
	return err
}

// Discard drops every estimate.
var Discard Sink = SinkFunc(func(context.Context, FilteredOdometry) error { return nil })
