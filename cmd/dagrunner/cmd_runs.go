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

	"github.com/spf13/cobra"
)

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect runs in the local run store",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			runs, err := s.List(cmd.Context())
			if err != nil {
				return err
			}
			renderRuns(a.printer(), runs)
			return nil
		},
	}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Print the summary of a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			summary, err := s.Summary(cmd.Context(), args[0])
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
	show.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")

	del := &cobra.Command{
		Use:   "delete [run-id]...",
		Short: "Delete stored runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			for _, id := range args {
				if err := s.Delete(cmd.Context(), id); err != nil {
					return err
				}
				a.printer().Success(fmt.Sprintf("deleted run %s", id))
			}
			return nil
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}
