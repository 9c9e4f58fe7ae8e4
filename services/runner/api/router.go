// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves stored pipeline runs over HTTP.
//
// Routes:
//
//	GET    /health
//	GET    /metrics              (when a metrics handler is configured)
//	GET    /v1/runs
//	POST   /v1/runs              upload a JSON span array
//	GET    /v1/runs/:id          parsed pipeline summary
//	GET    /v1/runs/:id/info
//	GET    /v1/runs/:id/spans
//	DELETE /v1/runs/:id
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/dagrunner/services/runner/parser"
	"github.com/AleutianAI/dagrunner/services/runner/spans"
	"github.com/AleutianAI/dagrunner/services/runner/store"
	"github.com/AleutianAI/dagrunner/services/runner/telemetry"
)

// DefaultMaxUploadBytes bounds POST /v1/runs bodies when Options leaves it 0.
const DefaultMaxUploadBytes = 32 << 20

// RunStore is the storage the API reads and writes.
type RunStore interface {
	Save(ctx context.Context, ss spans.Spans) (store.RunInfo, error)
	Load(ctx context.Context, id string) (spans.Spans, error)
	Info(ctx context.Context, id string) (store.RunInfo, error)
	Summary(ctx context.Context, id string) (*parser.PipelineSummary, error)
	List(ctx context.Context) ([]store.RunInfo, error)
	Delete(ctx context.Context, id string) error
}

// Options configures the router.
type Options struct {
	// Store holds the runs. Required.
	Store RunStore

	// ServiceName names the server spans.
	ServiceName string

	// TracerProvider traces requests. Nil disables request tracing.
	TracerProvider trace.TracerProvider

	// Metrics records request counts and durations. Optional.
	Metrics *telemetry.Metrics

	// MetricsHandler serves GET /metrics. Optional.
	MetricsHandler http.Handler

	// RateLimit is the sustained requests per second. 0 disables limiting.
	RateLimit float64

	// RateBurst is the limiter burst size. Values below 1 become 1.
	RateBurst int

	// MaxUploadBytes bounds uploaded span arrays.
	MaxUploadBytes int64

	// Logger receives request logs. Nil means slog.Default().
	Logger *slog.Logger
}

// ErrNilStore is returned by NewRouter without a store.
var ErrNilStore = errors.New("run store must not be nil")

// NewRouter builds the gin engine for opts.
//
// Description:
//
//	Middleware runs in this order: panic recovery, request tracing,
//	metrics, request logging, rate limiting. Rejected requests are still
//	traced, counted and logged.
//
// Outputs:
//
//	*gin.Engine - The router.
//	error - ErrNilStore when opts.Store is nil.
func NewRouter(opts Options) (*gin.Engine, error) {
	if opts.Store == nil {
		return nil, ErrNilStore
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "dagrunner"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if opts.TracerProvider != nil {
		router.Use(otelgin.Middleware(opts.ServiceName, otelgin.WithTracerProvider(opts.TracerProvider)))
	}
	if opts.Metrics != nil {
		router.Use(metricsMiddleware(opts.Metrics))
	}
	router.Use(loggingMiddleware(logger))
	if opts.RateLimit > 0 {
		router.Use(rateLimitMiddleware(opts.RateLimit, opts.RateBurst))
	}

	h := &handlers{store: opts.Store, maxUpload: opts.MaxUploadBytes, logger: logger}

	router.GET("/health", h.health)
	if opts.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	v1 := router.Group("/v1")
	{
		runs := v1.Group("/runs")
		{
			runs.GET("", h.listRuns)
			runs.POST("", h.createRun)
			runs.GET("/:id", h.getRun)
			runs.GET("/:id/info", h.getRunInfo)
			runs.GET("/:id/spans", h.getRunSpans)
			runs.DELETE("/:id", h.deleteRun)
		}
	}
	return router, nil
}
