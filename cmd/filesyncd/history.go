package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"filesyncd/internal/monitor/database"
	"filesyncd/internal/monitor/scheduler"
	fsync "filesyncd/internal/sync"
)

func newHistoryCmd(g *globals) *cobra.Command {
	var (
		configID int64
		status   string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sync runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			runs, total, err := store.ListHistory(cmd.Context(), database.HistoryFilter{
				ConfigID: configID,
				Status:   fsync.RunStatus(status),
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout(), "Run", "Config", "Status", "Trigger", "Started", "Duration", "Created", "Updated", "Deleted", "Errors")
			for _, h := range runs {
				start := h.StartTime
				table.Append([]string{
					strconv.FormatInt(h.ID, 10), strconv.FormatInt(h.ConfigID, 10), string(h.Status), h.Trigger,
					when(&start), duration(h), strconv.Itoa(h.Created), strconv.Itoa(h.Updated),
					strconv.Itoa(h.Deleted), strconv.Itoa(h.Errors),
				})
			}
			table.Render()
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d runs\n", len(runs), total)
			return nil
		},
	}
	cmd.Flags().Int64Var(&configID, "config-id", 0, "Only runs of this configuration")
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	cmd.AddCommand(newHistoryShowCmd(g))
	return cmd
}

func newHistoryShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its file operations",
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

			run, err := store.GetRun(cmd.Context(), id)
			if err != nil {
				return err
			}
			ops, err := store.FileOperations(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %d of config %d: %s (%s), started %s, took %s\n",
				run.ID, run.ConfigID, run.Status, run.Trigger, run.StartTime.Local().Format("2006-01-02 15:04:05"), duration(run))
			if run.Message != "" {
				fmt.Fprintf(out, "%s\n", run.Message)
			}
			table := newTable(out, "Operation", "Path", "Size", "Status", "Error")
			for _, op := range ops {
				table.Append([]string{string(op.Kind), op.Path, humanize.Bytes(uint64(op.Size)), op.Status, op.Error})
			}
			table.Render()
			return nil
		},
	}
}

func newStatsCmd(g *globals) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recent runs and traffic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := g.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.Stats(cmd.Context(), days, time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			r := st.Runs
			fmt.Fprintf(out, "runs: %d total, %d completed, %d failed, %d timed out, %d running\n",
				r.Total, r.Completed, r.Failed, r.Timeout, r.Running)
			fmt.Fprintf(out, "files: %d created, %d updated, %d deleted, %d errors; average run %.1fs\n",
				r.FilesCreated, r.FilesUpdated, r.FilesDeleted, r.Errors, r.AvgDuration)

			targets := newTable(out, "Target", "Runs", "Completed", "Failed")
			for _, t := range st.Targets {
				targets.Append([]string{t.TargetType, strconv.Itoa(t.Total), strconv.Itoa(t.Completed), strconv.Itoa(t.Failed)})
			}
			targets.Render()

			traffic := newTable(out, "Date", "Transferred")
			for _, d := range st.Traffic {
				traffic.Append([]string{d.Date, humanize.Bytes(uint64(d.Bytes))})
			}
			traffic.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "Period in days (0 for all history)")
	return cmd
}

func newTasksCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the active tasks of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var body struct {
				Paused bool                 `json:"paused"`
				Tasks  []scheduler.TaskInfo `json:"tasks"`
			}
			if err := g.client().do(cmd.Context(), http.MethodGet, "/api/tasks", &body); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if body.Paused {
				fmt.Fprintln(out, "scheduler is paused")
			}
			table := newTable(out, "Task", "Config", "Trigger", "Status", "Queued", "Started")
			for _, t := range body.Tasks {
				queued := t.QueuedAt
				table.Append([]string{t.ID, strconv.FormatInt(t.ConfigID, 10), t.Trigger, string(t.Status), when(&queued), when(t.StartedAt)})
			}
			table.Render()
			return nil
		},
	}
}
