package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"filesyncd/internal/app"
	"filesyncd/internal/monitor/config"
	"filesyncd/internal/orchestrator"
)

func newConfigsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "configs",
		Aliases: []string{"config"},
		Short:   "Manage sync configurations",
	}
	cmd.AddCommand(newConfigsListCmd(g), newConfigsApplyCmd(g), newConfigsTestCmd(g), newConfigsDeleteCmd(g))
	return cmd
}

func newConfigsListCmd(g *globals) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sync configurations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			configs, err := store.ListConfigs(cmd.Context(), activeOnly)
			if err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout(), "ID", "Name", "Source", "Target", "Direction", "Schedule", "Monitor", "Active", "Next run")
			for _, c := range configs {
				schedule := "-"
				if c.Schedule.Enabled {
					schedule = fmt.Sprintf("%s %s", c.Schedule.Type, c.Schedule.Value)
				}
				table.Append([]string{
					strconv.FormatInt(c.ID, 10), c.Name, c.SourcePath, c.TargetType, string(c.Direction),
					schedule, yesNo(c.RealtimeMonitor), yesNo(c.IsActive), when(c.ScheduleNextRun),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only list active configurations")
	return cmd
}

func newConfigsApplyCmd(g *globals) *cobra.Command {
	var (
		file   string
		reload bool
	)
	cmd := &cobra.Command{
		Use:   "apply -f <file>",
		Short: "Create or update configurations from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configs, err := config.LoadSyncConfigs(file)
			if err != nil {
				return err
			}
			store, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			for _, c := range configs {
				created, err := store.UpsertConfig(cmd.Context(), c)
				if err != nil {
					return fmt.Errorf("config %q: %w", c.Name, err)
				}
				verb := "updated"
				if created {
					verb = "created"
				}
				fmt.Fprintf(out, "%s %q (id %d)\n", verb, c.Name, c.ID)
			}
			if !reload {
				return nil
			}
			var res orchestrator.ReloadResult
			if err := g.client().do(cmd.Context(), http.MethodPost, "/api/reload", &res); err != nil {
				return err
			}
			fmt.Fprintf(out, "daemon reloaded: %d watches added, %d removed, %d schedules added, %d removed\n",
				res.WatchesAdded, res.WatchesRemoved, res.SchedulesAdded, res.SchedulesRemoved)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with a configs list")
	cmd.Flags().BoolVar(&reload, "reload", false, "Ask the running daemon to reload afterwards")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newConfigsTestCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "test <config-id>",
		Short: "Check that the target of a configuration is reachable",
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

			n, err := a.Orchestrator.TestConnection(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("connection test failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d entries at the target\n", n)
			return nil
		},
	}
}

func newConfigsDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <config-id>",
		Short: "Delete a configuration with its history and file states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			store, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.DeleteConfig(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted config %d\n", id)
			return nil
		},
	}
}
