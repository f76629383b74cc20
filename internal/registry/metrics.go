package registry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ronnin/oldman-club/internal/store"
)

const meterName = "github.com/ronnin/oldman-club/internal/registry"

type metrics struct {
	ops      metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(m metric.Meter) (*metrics, error) {
	ops, err := m.Int64Counter("registry.operations",
		metric.WithDescription("The number of registry operations, by operation and outcome."),
		metric.WithUnit("{operation}"))
	if err != nil {
		return nil, err
	}
	duration, err := m.Float64Histogram("registry.operation.duration",
		metric.WithDescription("The duration of registry operations."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &metrics{ops: ops, duration: duration}, nil
}

// observe records the outcome and duration of an operation.  errp points at the operation's named
// error result so that observe can be deferred.
func (s *Service) observe(ctx context.Context, op string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	outcome := outcomeOf(err)
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome))
	// metrics are recorded even if the operation's context was cancelled
	ctx = context.WithoutCancel(ctx)
	s.metrics.ops.Add(ctx, 1, attrs)
	s.metrics.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	if outcome == "error" {
		s.log.Error(err, "registry operation failed", "op", op)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	switch store.KindOf(err) {
	case store.ErrNotFound:
		return "not_found"
	case store.ErrConflict:
		return "conflict"
	case store.ErrValidation:
		return "invalid"
	default:
		return "error"
	}
}
