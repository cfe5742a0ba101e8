package observability

import (
	"github.com/smallbiznis/signflow/internal/observability/logger"
	"github.com/smallbiznis/signflow/internal/observability/metrics"
	"github.com/smallbiznis/signflow/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module wires zap, the OTel tracer and meter providers, and the domain
// metric instruments. Every binary includes it.
var Module = fx.Module("observability",
	fx.Provide(
		NewConfig,
		func(c Config) logger.Config {
			return logger.Config{
				ServiceName:         c.ServiceName,
				Environment:         c.Environment,
				Version:             c.Version,
				Level:               c.Telemetry.LogLevel,
				Format:              c.Telemetry.LogFormat,
				Debug:               c.Debug(),
				IncludeCaller:       true,
				IncludeStackOnError: c.Debug(),
			}
		},
		func(c Config) tracing.Config {
			return tracing.Config{
				Enabled:          c.Telemetry.OTLPEnabled,
				ServiceName:      c.ServiceName,
				ServiceVersion:   c.Version,
				Environment:      c.Environment,
				ExporterEndpoint: c.Telemetry.OTLPEndpoint,
				ExporterProtocol: c.Telemetry.OTLPProtocol,
				SamplingRatio:    c.Telemetry.SamplingRatio,
			}
		},
		func(c Config) metrics.Config {
			return metrics.Config{
				Enabled:          c.Telemetry.OTLPEnabled,
				ExporterEndpoint: c.Telemetry.OTLPEndpoint,
				ExporterProtocol: c.Telemetry.OTLPProtocol,
				ServiceName:      c.ServiceName,
				Environment:      c.Environment,
			}
		},
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
	),
	// The tracer provider is only consumed through the otel globals.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
	fx.Invoke(metrics.SchedulerWithConfig),
)
