package cmd

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/staffdir/internal/database"
	"github.com/jonesrussell/north-cloud/staffdir/internal/importer"
	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
)

func targetsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage harvest targets",
	}
	cmd.AddCommand(targetsImportCommand(), targetsListCommand())
	return cmd
}

func targetsImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.xlsx|file.yml>",
		Short: "Create or update targets from a spreadsheet or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer func() { _ = f.Close() }()

			rows, rowErrs, err := importer.ParseFile(args[0], f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rowErrs) > 0 {
				renderTable(out, table.Row{"Row", "Error"}, importErrorRows(rowErrs))
			}
			if len(rows) == 0 {
				return fmt.Errorf("no valid rows in %s", args[0])
			}

			b, err := newBase(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			res, err := importer.Import(cmd.Context(), b.store, rows)
			if err != nil {
				return err
			}
			b.log.Info("Targets imported",
				logger.String("file", args[0]),
				logger.Int("created", res.Created),
				logger.Int("updated", res.Updated),
				logger.Int("rejected", len(rowErrs)),
			)
			fmt.Fprintf(out, "created %d, updated %d, rejected %d\n", res.Created, res.Updated, len(rowErrs))
			return nil
		},
	}
}

func targetsListCommand() *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := newBase(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			targets, err := b.store.ListTargets(cmd.Context(), database.TargetFilter{ActiveOnly: activeOnly})
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No targets configured")
				return nil
			}
			renderTable(cmd.OutOrStdout(),
				table.Row{"Name", "Directory URL", "Active", "Members", "Extractor", "Last Scraped", "Last Processed"},
				targetRows(targets))
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only list active targets")
	return cmd
}
