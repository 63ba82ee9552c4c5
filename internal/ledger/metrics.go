package ledger

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const costMeterName = "github.com/AmitNaikRepository/AI-Access-Guard/internal/ledger"

var (
	costQueryHistogram    metric.Float64Histogram
	costMetricsOnce       sync.Once
	costMetricsRegistered bool
)

func initCostMetrics() {
	meter := otel.Meter(costMeterName)
	var err error
	costQueryHistogram, err = meter.Float64Histogram(
		"guard.cost.query",
		metric.WithDescription("Cost in EUR per guarded query"),
		metric.WithUnit("eur"),
	)
	if err != nil {
		return
	}
	costMetricsRegistered = true
}

// RecordCostMetrics records the cost of one query outcome. Role, model, and
// cache_hit attributes allow filtering in observability backends.
func RecordCostMetrics(ctx context.Context, costEUR float64, role, model string, cacheHit bool) {
	costMetricsOnce.Do(initCostMetrics)
	if !costMetricsRegistered {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("model", model),
		attribute.Bool("cache_hit", cacheHit),
	)
	costQueryHistogram.Record(ctx, costEUR, attrs)
}
