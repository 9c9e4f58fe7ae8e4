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
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/dagrunner/pkg/logging"
	"github.com/AleutianAI/dagrunner/pkg/ux"
	"github.com/AleutianAI/dagrunner/services/runner/config"
	"github.com/AleutianAI/dagrunner/services/runner/store"
)

// app carries the state shared by every subcommand of one invocation.
type app struct {
	configPath string
	outputMode string
	logLevel   string

	cfg    config.Config
	logger *logging.Logger
	out    io.Writer
	errOut io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "dagrunner",
		Short: "Run, inspect and serve traced task pipelines",
		Long: `dagrunner schedules task graphs with retries and timeouts, records every
execution as OpenTelemetry spans, and rebuilds run summaries from those spans.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) { a.teardown() },
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.dagrunner/dagrunner.yaml)")
	flags.StringVarP(&a.outputMode, "output", "o", "auto", "output style: auto, rich, plain or machine")
	flags.StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newParseCmd(a),
		newSummaryCmd(a),
		newDemoCmd(a),
		newRunsCmd(a),
		newServeCmd(a),
		newVersionCmd(a),
	)
	return root
}

// setup loads configuration and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		if err := cfg.Logging.Level.UnmarshalText([]byte(a.logLevel)); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
	}
	if _, ok := ux.ParseMode(a.outputMode); !ok && a.outputMode != "auto" {
		return fmt.Errorf("--output: unknown style %q", a.outputMode)
	}

	cfg.Logging.Writer = a.errOut
	a.cfg = cfg
	a.logger = logging.New(cfg.Logging)
	return nil
}

func (a *app) teardown() {
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

func (a *app) printer() *ux.Printer {
	mode, _ := ux.ParseMode(a.outputMode)
	return ux.NewPrinter(a.out, mode)
}

// openStore opens the configured run store with the app logger.
func (a *app) openStore() (*store.Store, error) {
	cfg := a.cfg.Store
	cfg.Logger = a.logger.Slog().With("component", "store")
	s, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	return s, nil
}
