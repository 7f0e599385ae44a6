// Package telemetry provides the plugin's observability plumbing.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an in-process event publisher. Components take a
// zerolog.Logger, a *Metrics and an *EventPublisher; nil recorders are
// valid and record nothing, which keeps tests free of setup.
//
// Spans are started with StartSpan on the global tracer provider, which
// NewTracer installs when tracing is enabled:
//
//	ctx, span := telemetry.StartSpan(ctx, "cms.mutate",
//	    telemetry.AttrEndpoint.String("xmc.authoring.graphql"))
//	defer func() { telemetry.EndSpan(span, err) }()
//
// Metrics are served from the HTTP API's /metrics route via
// Metrics.Handler. Workflow events published with PublishStep and
// PublishOrphanedFolder are persisted by the SQLite journal when the CLI
// subscribes it.
package telemetry
