// Package telemetry provides observability instrumentation for fnplane.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Telemetry value that is
// built once at process start and handed to each component.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
// Components log through zerolog. Each takes the root logger from
// tel.Logger.Zerolog() and tags it once:
//
//	logger := telemetry.Component(tel.Logger.Zerolog(), "worker")
//	logger = telemetry.ForApplication(logger, "orders", fn)
//	logger.Error().Err(err).Msg("provisioning failed")
//
// # Distributed Tracing
//
//	ctx, span := tel.Tracer.StartEventSpan(ctx, "CREATE_REQUESTED", "orders")
//	defer span.End()
//
// A nil *Tracer starts no-op spans, so components may be built without one.
//
// # Metrics
//
// Metrics cover requests, state transitions, lifecycle events, provisioner
// calls, poll cycles, gateway invocations and artifact uploads. All recorders
// are safe to call on a nil or disabled *Metrics.
//
// The API router mounts tel.Metrics.Handler(); when
// Metrics.ListenAddress is set, ServeMetrics also exposes a standalone endpoint.
package telemetry
