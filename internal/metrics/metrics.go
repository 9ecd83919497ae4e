// Package metrics records engine metrics through an OpenTelemetry meter.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "schedsync"

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Recorder records metrics. A nil *Recorder is valid and records nothing.
type Recorder struct {
	providerOps      metric.Int64Counter
	providerDuration metric.Float64Histogram
	syncRuns         metric.Int64Counter
	syncEvents       metric.Int64Counter
	bookings         metric.Int64Counter
	tokenRefresh     metric.Int64Counter
}

// New creates a Recorder on the given meter.
func New(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error

	if r.providerOps, err = meter.Int64Counter("provider_operations_total",
		metric.WithDescription("Total number of provider API operations"),
		metric.WithUnit("{operation}")); err != nil {
		return nil, fmt.Errorf("failed to create provider_operations_total counter: %w", err)
	}
	if r.providerDuration, err = meter.Float64Histogram("provider_operation_duration_seconds",
		metric.WithDescription("Provider API operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)); err != nil {
		return nil, fmt.Errorf("failed to create provider_operation_duration_seconds histogram: %w", err)
	}
	if r.syncRuns, err = meter.Int64Counter("sync_runs_total",
		metric.WithDescription("Total number of sync orchestrator runs"),
		metric.WithUnit("{run}")); err != nil {
		return nil, fmt.Errorf("failed to create sync_runs_total counter: %w", err)
	}
	if r.syncEvents, err = meter.Int64Counter("sync_events_total",
		metric.WithDescription("Inbound provider events applied to local appointments"),
		metric.WithUnit("{event}")); err != nil {
		return nil, fmt.Errorf("failed to create sync_events_total counter: %w", err)
	}
	if r.bookings, err = meter.Int64Counter("bookings_total",
		metric.WithDescription("Appointment creation attempts"),
		metric.WithUnit("{booking}")); err != nil {
		return nil, fmt.Errorf("failed to create bookings_total counter: %w", err)
	}
	if r.tokenRefresh, err = meter.Int64Counter("token_refresh_total",
		metric.WithDescription("OAuth token refresh attempts"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, fmt.Errorf("failed to create token_refresh_total counter: %w", err)
	}
	return r, nil
}

// NewNoop returns a Recorder backed by a no-op meter.
func NewNoop() *Recorder {
	r, _ := New(noop.NewMeterProvider().Meter(meterName))
	return r
}

// NewPrometheus creates a Recorder exported through the Prometheus registry, and the
// handler serving it.
func NewPrometheus() (*Recorder, http.Handler, error) {
	exporter, err := otelprom.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	r, err := New(provider.Meter(meterName))
	if err != nil {
		return nil, nil, err
	}
	return r, promhttp.Handler(), nil
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

// ProviderCall records one provider API operation.
func (r *Recorder) ProviderCall(ctx context.Context, provider, operation string, started time.Time, err error) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("result", result(err)),
	)
	r.providerOps.Add(ctx, 1, attrs)
	r.providerDuration.Record(ctx, time.Since(started).Seconds(), attrs)
}

// TrackProviderCall starts timing an operation. Defer the returned func with the
// address of the caller's named error result.
func (r *Recorder) TrackProviderCall(ctx context.Context, provider, operation string) func(*error) {
	started := time.Now()
	return func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		r.ProviderCall(ctx, provider, operation, started, err)
	}
}

// SyncRun records the outcome of one orchestrator run.
func (r *Recorder) SyncRun(ctx context.Context, provider, syncType, status string) {
	if r == nil {
		return
	}
	r.syncRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("sync_type", syncType),
		attribute.String("status", status),
	))
}

// SyncEvents records n inbound events handled with the given action (created, updated, cancelled, skipped).
func (r *Recorder) SyncEvents(ctx context.Context, provider, action string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.syncEvents.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("action", action),
	))
}

// Booking records an appointment creation attempt.
func (r *Recorder) Booking(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.bookings.Add(ctx, 1, metric.WithAttributes(attribute.String("result", outcome)))
}

// TokenRefresh records an OAuth refresh attempt.
func (r *Recorder) TokenRefresh(ctx context.Context, provider string, err error) {
	if r == nil {
		return
	}
	r.tokenRefresh.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", result(err)),
	))
}
