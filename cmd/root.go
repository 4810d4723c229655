// Package cmd implements the staffdir command-line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jonesrussell/north-cloud/staffdir/internal/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	// cfgFile holds the path to the configuration file.
	cfgFile string

	// debug enables debug logging for all commands.
	debug bool

	v = viper.New()

	rootCmd = &cobra.Command{
		Use:           "staffdir",
		Short:         "Staff directory harvester and change tracker",
		Long:          `Harvests staff-directory pages, keeps versioned roster snapshots and reports how each roster changes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is ./config.yml or ./config/config.yml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "staffdir %s\n", Version)
		},
	})

	rootCmd.AddCommand(
		serveCommand(),
		runCommand(),
		targetsCommand(),
		failuresCommand(),
		exportCommand(),
		migrateCommand(),
	)
}

// initConfig layers defaults, the config file, .env and the environment
// onto v. The file and .env are both optional.
func initConfig(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	config.SetDefaults(v)
	if err := config.BindEnv(v); err != nil {
		return err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if flag := cmd.Flags().Lookup("debug"); flag != nil && flag.Changed {
		v.Set("app.debug", debug)
	}
	return nil
}
