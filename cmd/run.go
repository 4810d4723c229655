package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
	"github.com/jonesrussell/north-cloud/staffdir/internal/orchestrator"
)

func runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the harvester in the foreground",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "full",
			Short: "Process every active target not yet processed this month",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runForeground(cmd, func(ctx context.Context, a *app) (*orchestrator.Summary, error) {
					return a.orchestrator.RunFull(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "retry",
			Short: "Re-run every target in the failure ledger",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runForeground(cmd, func(ctx context.Context, a *app) (*orchestrator.Summary, error) {
					failures, err := a.store.ListFailures(ctx)
					if err != nil {
						return nil, err
					}
					return a.orchestrator.RunRetry(ctx, failures)
				})
			},
		},
	)
	return cmd
}

// runForeground wires the app, runs fn and prints the summary. An interrupt
// asks the run to stop after the current target.
func runForeground(cmd *cobra.Command, fn func(context.Context, *app) (*orchestrator.Summary, error)) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		if stopErr := a.orchestrator.Stop(); stopErr == nil {
			a.log.Info("Interrupt received, stopping after the current target")
		}
	}()

	summary, err := fn(ctx, a)
	if summary != nil {
		renderTable(cmd.OutOrStdout(), table.Row{"Run", ""}, summaryRows(summary))
	}
	return err
}

// retryTargets re-runs the given ledger entries in the foreground.
func retryTargets(cmd *cobra.Command, pick func([]domain.FailureRecord) ([]domain.FailureRecord, error)) error {
	return runForeground(cmd, func(ctx context.Context, a *app) (*orchestrator.Summary, error) {
		failures, err := a.store.ListFailures(ctx)
		if err != nil {
			return nil, err
		}
		selected, err := pick(failures)
		if err != nil {
			return nil, err
		}
		if len(selected) == 0 {
			return nil, errors.New("no failures to retry")
		}
		return a.orchestrator.RunRetry(ctx, selected)
	})
}
