package otelmetric

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mtracking/authcore"
	"github.com/mtracking/authcore/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ErrNilMeter = errors.New("nil meter")

// Recorder implements authcore.Recorder on top of an OpenTelemetry meter.
type Recorder struct {
	counters map[authcore.MetricID]metric.Int64Counter
	latency  metric.Float64Histogram
}

var _ authcore.Recorder = (*Recorder)(nil)

// New creates one counter per engine metric and a latency histogram.
func New(meter metric.Meter) (*Recorder, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	r := &Recorder{counters: make(map[authcore.MetricID]metric.Int64Counter)}
	for _, id := range authcore.MetricIDs() {
		name, help, ok := metrics.Describe(id)
		if !ok {
			continue
		}
		counter, err := meter.Int64Counter(name, metric.WithDescription(help))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", name, err)
		}
		r.counters[id] = counter
	}

	latency, err := meter.Float64Histogram("authcore.operation.duration",
		metric.WithDescription("Engine operation latency."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}
	r.latency = latency
	return r, nil
}

func (r *Recorder) Inc(id authcore.MetricID) {
	r.Add(id, 1)
}

func (r *Recorder) Add(id authcore.MetricID, n int) {
	if counter, ok := r.counters[id]; ok && n > 0 {
		counter.Add(context.Background(), int64(n))
	}
}

func (r *Recorder) ObserveLatency(op authcore.Operation, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = string(authcore.KindOf(err))
	}
	r.latency.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String("operation", string(op)),
		attribute.String("result", result),
	))
}
