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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/dagrunner/services/runner/parser"
	"github.com/AleutianAI/dagrunner/services/runner/report"
	"github.com/AleutianAI/dagrunner/services/runner/spans"
)

func newParseCmd(a *app) *cobra.Command {
	var input, output string
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Write the report directory for a recorded trace file",
		Long: `Reads a JSON span array, rebuilds the pipeline summary and writes one
directory per task and attempt, with logged artifacts decoded to files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			summary, err := parseFile(input)
			if err != nil {
				return err
			}
			if err := report.Write(cmd.Context(), output, summary); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			a.printer().Success(fmt.Sprintf("wrote report for %d tasks to %s", len(summary.TaskRuns), output))
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "trace file (JSON span array)")
	cmd.Flags().StringVarP(&output, "output-dir", "d", "", "report directory")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output-dir")
	return cmd
}

func newSummaryCmd(a *app) *cobra.Command {
	var input string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the summary of a recorded trace file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			summary, err := parseFile(input)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a, summary)
			}
			renderSummary(a.printer(), summary)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "trace file (JSON span array)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func parseFile(path string) (*parser.PipelineSummary, error) {
	ss, err := spans.ReadFile(path)
	if err != nil {
		return nil, err
	}
	summary, err := parser.Parse(ss)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return summary, nil
}

func writeJSON(a *app, v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
