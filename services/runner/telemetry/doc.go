// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for dagrunner.
//
// Init builds a TracerProvider and a MeterProvider from a Config and hands
// them back in a Providers value. Nothing is installed globally: callers
// pass the providers to the scheduler, task bodies and the HTTP API, so the
// span nesting that provenance parsing depends on always follows an
// explicit context.Context.
//
// Every TracerProvider built here carries a Recorder, an in-process span
// processor that keeps a copy of every ended span. The recorded spans are
// what the parser and the run store consume after a pipeline finishes.
//
// # Exporters
//
// Traces may additionally go to an OTLP collector ("otlp") or stdout
// ("stdout"). Metrics go to a Prometheus registry ("prometheus"), stdout
// ("stdout") or nowhere ("none").
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - DAGRUNNER_ENV: environment name (default: development)
package telemetry
