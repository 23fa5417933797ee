package monitor

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/freekieb7/stockroom/internal/monitor"

type instruments struct {
	assignments        metric.Int64Counter
	capacityRejections metric.Int64Counter
	expirations        metric.Int64Counter
}

func newInstruments(logger *slog.Logger) instruments {
	meter := otel.Meter(instrumentationName)

	var err error
	var inst instruments

	inst.assignments, err = meter.Int64Counter(
		"stockroom_monitor_assignments_total",
		metric.WithDescription("Monitor role changes by operation and outcome"),
	)
	if err != nil {
		logger.Warn("Failed to create assignments counter", "error", err)
		inst.assignments, _ = noop.Meter{}.Int64Counter("stockroom_monitor_assignments_total")
	}

	inst.capacityRejections, err = meter.Int64Counter(
		"stockroom_monitor_capacity_rejections_total",
		metric.WithDescription("Assignments rejected because every monitor slot was taken"),
	)
	if err != nil {
		logger.Warn("Failed to create capacity rejection counter", "error", err)
		inst.capacityRejections, _ = noop.Meter{}.Int64Counter("stockroom_monitor_capacity_rejections_total")
	}

	inst.expirations, err = meter.Int64Counter(
		"stockroom_monitor_expirations_total",
		metric.WithDescription("Assignments deactivated by the expiry sweep"),
	)
	if err != nil {
		logger.Warn("Failed to create expirations counter", "error", err)
		inst.expirations, _ = noop.Meter{}.Int64Counter("stockroom_monitor_expirations_total")
	}

	return inst
}

func (i instruments) recordOperation(ctx context.Context, operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(CodeOf(err))
		if outcome == "" {
			outcome = string(CodePersistenceFailure)
		}
	}
	i.assignments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
	if CodeOf(err) == CodeCapacityExceeded {
		i.capacityRejections.Add(ctx, 1)
	}
}
