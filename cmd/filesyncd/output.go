package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	fsync "filesyncd/internal/sync"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func when(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}

func duration(h fsync.History) string {
	if h.EndTime == nil {
		return "-"
	}
	return h.EndTime.Sub(h.StartTime).Round(time.Second).String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func printResult(w io.Writer, res *fsync.Result) {
	fmt.Fprintf(w, "run %d: %s in %s\n", res.RunID, res.Status, res.Finished.Sub(res.Started).Round(time.Millisecond))
	fmt.Fprintf(w, "  created %d, updated %d, deleted %d, skipped %d, errors %d\n",
		res.Counts.Created, res.Counts.Updated, res.Counts.Deleted, res.Counts.Skipped, res.Counts.Errors)
	if res.Message != "" {
		fmt.Fprintf(w, "  %s\n", res.Message)
	}
}
