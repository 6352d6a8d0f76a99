// Copyright (c) 2023-2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/longr59/whatsminer-api-3/internal/config"
)

const serviceName = "minerctl"

// setupLogger sets the global logger with the provided logLevel.
// If logLevel provided is unknown, then INFO will be used.
func setupLogger(w io.Writer, logLevel string) {
	consoleWriter := zerolog.ConsoleWriter{Out: w, NoColor: true}
	consoleWriter.PartsOrder = []string{
		zerolog.LevelFieldName,
		zerolog.CallerFieldName,
		zerolog.MessageFieldName,
	}
	log.Logger = zerolog.New(consoleWriter).With().Logger()

	ll, err := zerolog.ParseLevel(logLevel)
	if err != nil || ll == zerolog.NoLevel {
		ll = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(ll)

	log.Debug().Msg(fmt.Sprintf("Logger is configured with log level %q", ll.String()))
}

func newResource() (*resource.Resource, error) {
	return resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
}

func setupMetrics(meterProvider *metric.MeterProvider, mux *http.ServeMux) (func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	r, err := newResource()
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(r),
		sdkmetric.WithReader(exporter),
	)

	*meterProvider = provider

	mux.Handle("/metrics", promhttp.Handler())

	return provider.Shutdown, nil
}

func setupTracer(ctx context.Context, tracerProvider *trace.TracerProvider,
	endpoint string) (func(context.Context) error, error) {
	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)

	r, err := newResource()
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(bsp),
	)

	*tracerProvider = provider

	// Set global propagator to tracecontext (the default is no-op).
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return provider.Shutdown, nil
}

// serveMetrics serves mux on addr until the returned function is called.
func serveMetrics(addr string, mux *http.ServeMux) (func(context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")

	return srv.Shutdown, nil
}

// observability holds the providers used by sessions of one command run.
type observability struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	shutdown       []func(context.Context) error
}

func setupObservability(ctx context.Context, cfg config.ObservabilityConfig) (*observability, error) {
	o := &observability{
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()

		//nolint:govet // false positive
		shutdown, err := setupMetrics(&o.meterProvider, mux)
		if err != nil {
			return nil, fmt.Errorf("failed to setup metrics: %w", err)
		}

		o.shutdown = append(o.shutdown, shutdown)

		stop, err := serveMetrics(cfg.Metrics.Listen, mux)
		if err != nil {
			//nolint:errcheck // already failing
			o.close(ctx)
			return nil, err
		}

		o.shutdown = append(o.shutdown, stop)
	}

	if cfg.Tracing.Enabled {
		//nolint:govet // false positive
		shutdown, err := setupTracer(ctx, &o.tracerProvider, cfg.Tracing.Endpoint)
		if err != nil {
			//nolint:errcheck // already failing
			o.close(ctx)
			return nil, fmt.Errorf("failed to setup tracing: %w", err)
		}

		o.shutdown = append(o.shutdown, shutdown)
	}

	return o, nil
}

func (o *observability) meter() metric.Meter {
	return o.meterProvider.Meter(serviceName)
}

func (o *observability) tracer() trace.Tracer {
	return o.tracerProvider.Tracer(serviceName)
}

// close flushes exporters and stops the metrics server, last started first.
func (o *observability) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var errs []error

	for i := len(o.shutdown) - 1; i >= 0; i-- {
		if err := o.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	o.shutdown = nil

	return errors.Join(errs...)
}
