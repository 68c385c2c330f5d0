package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"filesyncd/internal/app"
	"filesyncd/internal/monitor/config"
	"filesyncd/internal/monitor/database"
)

// globals holds the state shared by every subcommand.
type globals struct {
	configPath string
	addr       string
	cfg        *config.Config
	log        *logrus.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{log: logrus.New()}

	root := &cobra.Command{
		Use:           "filesyncd",
		Short:         "Keep local folders in sync with remote storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			if err := cfg.ConfigureLogger(g.log); err != nil {
				return fmt.Errorf("configure logging: %w", err)
			}
			g.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", config.DefaultPath, "Daemon configuration file")
	root.PersistentFlags().StringVar(&g.addr, "addr", "", "Address of a running daemon (defaults to the configured listen address)")

	root.AddCommand(
		newServeCmd(g),
		newRunCmd(g),
		newConfigsCmd(g),
		newHistoryCmd(g),
		newStatsCmd(g),
		newTasksCmd(g),
		newMigrateCmd(g),
	)
	return root
}

// openStore opens the database for commands that work without a daemon.
func (g *globals) openStore(ctx context.Context) (*database.Store, error) {
	quiet := logrus.New()
	quiet.SetLevel(logrus.WarnLevel)
	quiet.SetFormatter(g.log.Formatter)
	return database.Open(ctx, g.cfg.DBPath, quiet)
}

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: monitor, scheduler and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), g.cfg, g.log)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(cmd.Context())
		},
	}
}

func newRunCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "run <config-id>",
		Short: "Run one sync of a configuration in-process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), g.cfg, g.log)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.SyncOnce(cmd.Context(), id)
			if res != nil {
				printResult(cmd.OutOrStdout(), res)
			}
			return err
		},
	}
}

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			v, err := store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s at schema version %d\n", g.cfg.DBPath, v)
			return nil
		},
	}
}
