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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/dagrunner/services/runner/dag"
	"github.com/AleutianAI/dagrunner/services/runner/parser"
	"github.com/AleutianAI/dagrunner/services/runner/report"
	"github.com/AleutianAI/dagrunner/services/runner/spans"
	"github.com/AleutianAI/dagrunner/services/runner/telemetry"
)

type demoFlags struct {
	workers   int
	unit      time.Duration
	out       string
	reportDir string
	save      bool
}

func newDemoCmd(a *app) *cobra.Command {
	var flags demoFlags
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the built-in example pipeline and summarize its trace",
		Long: `Runs a sequence, a fan-in and a task that times out, fails and then
succeeds. The recorded spans can be written to a trace file, turned into a
report directory, or saved to the run store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDemo(cmd, flags)
		},
	}
	cmd.Flags().IntVarP(&flags.workers, "workers", "w", 0, "concurrent task limit (default from config)")
	cmd.Flags().DurationVar(&flags.unit, "unit", 100*time.Millisecond, "base sleep and timeout of the demo tasks")
	cmd.Flags().StringVar(&flags.out, "out", "", "write the recorded spans to this trace file")
	cmd.Flags().StringVar(&flags.reportDir, "report", "", "write a report directory")
	cmd.Flags().BoolVar(&flags.save, "save", false, "save the run to the run store")
	return cmd
}

func (a *app) runDemo(cmd *cobra.Command, flags demoFlags) error {
	ctx := cmd.Context()
	logger := a.logger.Slog()

	tcfg := a.cfg.Telemetry
	tcfg.DisableRecorder = false
	providers, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := providers.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(providers.Meter("dagrunner.tasks"))
	if err != nil {
		logger.Warn("task metrics disabled", "error", err)
		metrics = nil
	}

	workers := flags.workers
	if workers == 0 {
		workers = a.cfg.Workers
	}
	sched, err := dag.NewScheduler(dag.Options{
		Workers:        workers,
		TracerProvider: providers.TracerProvider,
		MeterProvider:  providers.MeterProvider,
		Logger:         logger,
		Attributes:     map[string]string{"name": "demo", "workers": fmt.Sprint(workers)},
	})
	if err != nil {
		return err
	}

	pipeline, err := newDemoPipeline(flags.unit, metrics, logger)
	if err != nil {
		return err
	}
	results, err := sched.Run(ctx, pipeline.graph, nil)
	if err != nil {
		return fmt.Errorf("run demo pipeline: %w", err)
	}

	recorded := providers.Recorder.Spans()
	summary, err := parser.Parse(recorded)
	if err != nil {
		return fmt.Errorf("parse demo trace: %w", err)
	}

	p := a.printer()
	renderSummary(p, summary)
	if r := results[pipeline.collect]; r.IsSuccess() {
		p.Success(fmt.Sprintf("collect returned %v", r.Value()))
	} else {
		p.Error(fmt.Sprintf("collect failed: %v", r.Error()))
	}

	return a.exportDemo(cmd, flags, recorded, summary)
}

func (a *app) exportDemo(cmd *cobra.Command, flags demoFlags, recorded spans.Spans, summary *parser.PipelineSummary) error {
	p := a.printer()
	if flags.out != "" {
		if err := spans.WriteFile(flags.out, recorded); err != nil {
			return err
		}
		p.Success(fmt.Sprintf("wrote %d spans to %s", len(recorded), flags.out))
	}
	if flags.reportDir != "" {
		if err := report.Write(cmd.Context(), flags.reportDir, summary); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		p.Success(fmt.Sprintf("wrote report to %s", flags.reportDir))
	}
	if flags.save {
		s, err := a.openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		info, err := s.Save(cmd.Context(), recorded)
		if err != nil {
			return err
		}
		p.Success(fmt.Sprintf("saved run %s", info.ID))
	}
	return nil
}
