package coordinator

import (
	"context"
	"errors"

	"github.com/basket/taskgate/internal/task"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the coordinator's instruments. All record methods are
// nil-safe so tests and minimal deployments can skip metering entirely.
type Metrics struct {
	TransitionsTotal  metric.Int64Counter
	RejectionsTotal   metric.Int64Counter
	ReviewsFlagged    metric.Int64Counter
	OverridesRecorded metric.Int64Counter
	RetriesTotal      metric.Int64Counter
}

// NewMetrics creates the coordinator instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TransitionsTotal, err = meter.Int64Counter("taskgate.transitions",
		metric.WithDescription("Committed status transitions"),
	)
	if err != nil {
		return nil, err
	}
	m.RejectionsTotal, err = meter.Int64Counter("taskgate.transition_rejections",
		metric.WithDescription("Mutations rejected by the transition validator"),
	)
	if err != nil {
		return nil, err
	}
	m.ReviewsFlagged, err = meter.Int64Counter("taskgate.reviews_flagged",
		metric.WithDescription("Writes that left a task gated behind human review"),
	)
	if err != nil {
		return nil, err
	}
	m.OverridesRecorded, err = meter.Int64Counter("taskgate.overrides",
		metric.WithDescription("Human overrides of automated decisions"),
	)
	if err != nil {
		return nil, err
	}
	m.RetriesTotal, err = meter.Int64Counter("taskgate.retries",
		metric.WithDescription("CANCELLED to TODO retry transitions"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordCreate(ctx context.Context, t *task.Task) {
	if m == nil {
		return
	}
	if t.RequiresReview {
		m.ReviewsFlagged.Add(ctx, 1)
	}
}

func (m *Metrics) recordUpdate(ctx context.Context, prev task.Status, t *task.Task, overrideRecorded bool) {
	if m == nil {
		return
	}
	if prev != t.Status {
		m.TransitionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(prev)),
			attribute.String("to", string(t.Status)),
		))
		if prev == task.StatusCancelled && t.Status == task.StatusTodo {
			m.RetriesTotal.Add(ctx, 1)
		}
	}
	if t.RequiresReview {
		m.ReviewsFlagged.Add(ctx, 1)
	}
	if overrideRecorded {
		m.OverridesRecorded.Add(ctx, 1)
	}
}

func (m *Metrics) recordRejection(ctx context.Context, err error) {
	if m == nil {
		return
	}
	var itErr *task.InvalidTransitionError
	if errors.As(err, &itErr) {
		m.RejectionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(itErr.Current)),
			attribute.String("to", string(itErr.Requested)),
		))
	}
}
