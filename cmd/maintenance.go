package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/staffdir/internal/database"
	"github.com/jonesrussell/north-cloud/staffdir/internal/export"
)

func exportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write an xlsx workbook of rosters, recent changes and failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := newBase(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			exporter := export.New(b.store, export.Config{
				Dir:         b.cfg.Export.Dir,
				ChangesDays: b.cfg.Export.ChangesDays,
			}, b.log)
			path, err := exporter.Export(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <up|down>",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{database.MigrateUp, database.MigrateDown},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if err = database.Migrate(cfg.Database.URL(), args[0]); err != nil {
				return err
			}
			log.Info("Migrations applied")
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok\n", args[0])
			return nil
		},
	}
}
