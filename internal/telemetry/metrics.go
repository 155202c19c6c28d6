package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names, exported as-is to Prometheus by the otel exporter.
const (
	MetricOrdersPlacedTotal  = "hourbuy_orders_placed_total"
	MetricOrdersFilledTotal  = "hourbuy_orders_filled_total"
	MetricOrdersCanceledTotal = "hourbuy_orders_canceled_total"
	MetricOrdersSoldTotal    = "hourbuy_orders_sold_total"
	MetricWSReconnectsTotal  = "hourbuy_ws_reconnects_total"
	MetricPoolOccupancy      = "hourbuy_worker_pool_occupancy"
)

// MetricsHolder holds the instruments the engine's components record
// against; accessed as a process-wide singleton the way
// market_maker/pkg/telemetry/metrics.go's MetricsHolder is.
type MetricsHolder struct {
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFilledTotal  metric.Int64Counter
	OrdersCanceledTotal metric.Int64Counter
	OrdersSoldTotal    metric.Int64Counter
	WSReconnectsTotal  metric.Int64Counter
	PoolOccupancy      metric.Int64ObservableGauge

	mu             sync.RWMutex
	poolOccupancy  int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments are
// no-ops until InitMetrics has run (Setup calls it during startup), so
// calling the Record*/Set* helpers before Setup is safe but discards
// data rather than panicking.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics creates every instrument against meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total buy orders placed, by strategy"))
	if err != nil {
		return err
	}
	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total buy orders reaching a filled state, by strategy"))
	if err != nil {
		return err
	}
	m.OrdersCanceledTotal, err = meter.Int64Counter(MetricOrdersCanceledTotal, metric.WithDescription("Total buy orders canceled unfilled, by strategy"))
	if err != nil {
		return err
	}
	m.OrdersSoldTotal, err = meter.Int64Counter(MetricOrdersSoldTotal, metric.WithDescription("Total positions sold out, by strategy"))
	if err != nil {
		return err
	}
	m.WSReconnectsTotal, err = meter.Int64Counter(MetricWSReconnectsTotal, metric.WithDescription("Total ticker-stream WebSocket (re)connects"))
	if err != nil {
		return err
	}

	m.PoolOccupancy, err = meter.Int64ObservableGauge(MetricPoolOccupancy, metric.WithDescription("Worker pool in-flight task count"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.poolOccupancy)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) RecordOrderPlaced(ctx context.Context, strategy, side string) {
	if m.OrdersPlacedTotal == nil {
		return
	}
	m.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy), attribute.String("side", side)))
}

func (m *MetricsHolder) RecordOrderFilled(ctx context.Context, strategy string) {
	if m.OrdersFilledTotal == nil {
		return
	}
	m.OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

func (m *MetricsHolder) RecordOrderCanceled(ctx context.Context, strategy string) {
	if m.OrdersCanceledTotal == nil {
		return
	}
	m.OrdersCanceledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

func (m *MetricsHolder) RecordOrderSold(ctx context.Context, strategy string) {
	if m.OrdersSoldTotal == nil {
		return
	}
	m.OrdersSoldTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

func (m *MetricsHolder) RecordWSReconnect(ctx context.Context) {
	if m.WSReconnectsTotal == nil {
		return
	}
	m.WSReconnectsTotal.Add(ctx, 1)
}

// SetPoolOccupancy updates the value the PoolOccupancy gauge observes on
// its next collection.
func (m *MetricsHolder) SetPoolOccupancy(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolOccupancy = n
}
