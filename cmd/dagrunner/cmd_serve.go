// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/dagrunner/services/runner/api"
	"github.com/AleutianAI/dagrunner/services/runner/telemetry"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run store over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := a.logger.Slog()
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			tcfg := a.cfg.Telemetry
			tcfg.DisableRecorder = true
			providers, err := telemetry.Init(ctx, tcfg)
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer providers.Shutdown(ctx)

			metrics, err := telemetry.NewMetrics(providers.Meter("dagrunner.api"))
			if err != nil {
				return fmt.Errorf("create metrics: %w", err)
			}

			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			gin.SetMode(gin.ReleaseMode)
			router, err := api.NewRouter(api.Options{
				Store:          s,
				ServiceName:    tcfg.ServiceName,
				TracerProvider: providers.TracerProvider,
				Metrics:        metrics,
				MetricsHandler: providers.MetricsHandler(),
				RateLimit:      a.cfg.Server.RateLimit,
				RateBurst:      a.cfg.Server.RateBurst,
				MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			return api.NewServer(addr, router, a.cfg.Server.ShutdownTimeout, logger).ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
