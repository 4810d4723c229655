package cmd

import (
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
)

func failuresCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Inspect and clear the failure ledger",
	}
	cmd.AddCommand(failuresListCommand(), failuresClearCommand(), failuresRetryCommand())
	return cmd
}

func failuresListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List failed targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := newBase(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			failures, err := b.store.ListFailures(cmd.Context())
			if err != nil {
				return err
			}
			if len(failures) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No failures recorded")
				return nil
			}
			renderTable(cmd.OutOrStdout(),
				table.Row{"Directory URL", "Kind", "Attempts", "Last Attempt", "Message"},
				failureRows(failures))
			return nil
		},
	}
}

func failuresClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every failure record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := newBase(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			n, err := b.store.ClearFailures(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d failure(s)\n", n)
			return nil
		},
	}
}

func failuresRetryCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [directory-url]",
		Short: "Clear a failure and re-run its target immediately",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass either a directory URL or --all")
			}
			return retryTargets(cmd, func(failures []domain.FailureRecord) ([]domain.FailureRecord, error) {
				if all {
					return failures, nil
				}
				return pickFailure(failures, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "retry every failed target")
	return cmd
}

func pickFailure(failures []domain.FailureRecord, targetURL string) ([]domain.FailureRecord, error) {
	for _, f := range failures {
		if f.TargetURL == targetURL {
			return []domain.FailureRecord{f}, nil
		}
	}
	return nil, fmt.Errorf("no failure recorded for %s", targetURL)
}
