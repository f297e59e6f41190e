// Package telemetry exports session metrics to an OpenTelemetry collector.
package telemetry

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/shaunagostinho/rigctl/internal/event"
	"github.com/shaunagostinho/rigctl/internal/session"
)

const (
	serviceName    = "rigctl"
	serviceVersion = "1.0.0"
)

// Exporter records session activity as OTEL metrics. It implements
// session.Observer.
type Exporter struct {
	provider *sdkmetric.MeterProvider
	rig      attribute.KeyValue

	sessionsTotal  metric.Int64Counter
	sessionsActive metric.Int64UpDownCounter
	eventsTotal    metric.Int64Counter
	discardedTotal metric.Int64Counter
	durationHist   metric.Float64Histogram
	trialsHist     metric.Int64Histogram
}

// NewExporter creates an exporter that pushes to the configured collector.
func NewExporter(ctx context.Context, cfg Config) (*Exporter, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, fmt.Errorf("telemetry: exporter is disabled or endpoint not configured")
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating OTLP exporter: %w", err)
	}

	e, err := newExporter(ctx, cfg, sdkmetric.NewPeriodicReader(exp))
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(e.provider)
	return e, nil
}

func newExporter(ctx context.Context, cfg Config, reader sdkmetric.Reader) (*Exporter, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	meter := provider.Meter(serviceName)

	e := &Exporter{provider: provider, rig: attribute.String("rig", cfg.Rig)}

	if e.sessionsTotal, err = meter.Int64Counter(
		"rig_sessions_total",
		metric.WithDescription("Sessions finished, by outcome"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: creating sessions counter: %w", err)
	}

	if e.sessionsActive, err = meter.Int64UpDownCounter(
		"rig_sessions_active",
		metric.WithDescription("Sessions currently running"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: creating active sessions gauge: %w", err)
	}

	if e.eventsTotal, err = meter.Int64Counter(
		"rig_events_total",
		metric.WithDescription("Device events dispatched, by code"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: creating events counter: %w", err)
	}

	if e.discardedTotal, err = meter.Int64Counter(
		"rig_lines_discarded_total",
		metric.WithDescription("Device lines that were not events"),
		metric.WithUnit("{line}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: creating discarded counter: %w", err)
	}

	if e.durationHist, err = meter.Float64Histogram(
		"rig_session_duration_seconds",
		metric.WithDescription("Wall-clock session duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: creating duration histogram: %w", err)
	}

	if e.trialsHist, err = meter.Int64Histogram(
		"rig_session_trials",
		metric.WithDescription("Completed trials per session"),
		metric.WithUnit("{trial}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: creating trials histogram: %w", err)
	}

	return e, nil
}

func (e *Exporter) StateChanged(from, to session.State) {
	ctx := context.Background()
	opt := metric.WithAttributes(e.rig)
	switch {
	case to == session.Running:
		e.sessionsActive.Add(ctx, 1, opt)
	case from == session.Running:
		e.sessionsActive.Add(ctx, -1, opt)
	}
}

func (e *Exporter) LineReceived(line string) {}

func (e *Exporter) LineDiscarded(line string, err error) {
	e.discardedTotal.Add(context.Background(), 1, metric.WithAttributes(e.rig))
}

func (e *Exporter) EventDispatched(ev event.Event) {
	e.eventsTotal.Add(context.Background(), 1,
		metric.WithAttributes(e.rig, attribute.String("code", strconv.Itoa(ev.Code))))
}

func (e *Exporter) SessionFinished(res session.Result) {
	ctx := context.Background()
	outcome := "saved"
	if !res.Saved {
		outcome = "failed"
	}
	opt := metric.WithAttributes(
		e.rig,
		attribute.String("profile", res.Profile),
		attribute.String("outcome", outcome),
		attribute.String("end_reason", res.EndReason),
	)

	e.sessionsTotal.Add(ctx, 1, opt)
	e.durationHist.Record(ctx, res.EndTime.Sub(res.StartTime).Seconds(), opt)
	e.trialsHist.Record(ctx, int64(res.Trials), opt)
}

// Close shuts down the exporter and flushes any pending metrics.
func (e *Exporter) Close(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}
