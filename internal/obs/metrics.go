package obs

import "go.opentelemetry.io/otel/metric"

// Metrics holds every instrument the engine, gateway, and driver emit.
type Metrics struct {
	ExecutionDuration metric.Float64Histogram
	TaskDuration       metric.Float64Histogram
	TaskRetries        metric.Int64Counter
	ActiveExecutions   metric.Int64UpDownCounter
	RequestDuration    metric.Float64Histogram
	RateLimitRejects   metric.Int64Counter
	PagePoolInUse      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ExecutionDuration, err = meter.Float64Histogram("browserwf.execution.duration",
		metric.WithDescription("Execution wall-clock duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("browserwf.task.duration",
		metric.WithDescription("Task run duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.TaskRetries, err = meter.Int64Counter("browserwf.task.retries",
		metric.WithDescription("Total task retry attempts")); err != nil {
		return nil, err
	}
	if m.ActiveExecutions, err = meter.Int64UpDownCounter("browserwf.execution.active",
		metric.WithDescription("Number of executions currently running")); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("browserwf.gateway.request.duration",
		metric.WithDescription("Gateway request duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("browserwf.gateway.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the rate limiter")); err != nil {
		return nil, err
	}
	if m.PagePoolInUse, err = meter.Int64UpDownCounter("browserwf.pagepool.in_use",
		metric.WithDescription("Pages currently checked out of the page pool")); err != nil {
		return nil, err
	}
	return m, nil
}
