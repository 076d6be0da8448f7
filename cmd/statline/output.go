package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/xtxerr/statline/internal/storage/compaction"
	"github.com/xtxerr/statline/internal/storage/retention"
	"github.com/xtxerr/statline/internal/storage/series"
	"github.com/xtxerr/statline/internal/storage/types"
	"github.com/xtxerr/statline/internal/store"
	"github.com/xtxerr/statline/internal/wire"
)

func writeResult(w io.Writer, format string, result *series.Result) error {
	switch format {
	case "table":
		printResult(w, result)
		return nil
	case "wire":
		return wire.NewWriter(w).WriteResult(result)
	default:
		return fmt.Errorf("unknown format %q (want table or wire)", format)
	}
}

// printResult renders one row per bucket and one column per metric.
// Metrics that failed to load are listed below the table.
func printResult(w io.Writer, result *series.Result) {
	names := result.Names()

	table := newTable(w)
	table.SetHeader(append([]string{"time"}, names...))

	for i, b := range result.Boundaries {
		row := make([]string, 0, len(names)+1)
		row = append(row, formatTime(b))
		for _, name := range names {
			row = append(row, formatValue(result.Values[name][i]))
		}
		table.Append(row)
	}
	table.Render()

	for name, msg := range result.Errors {
		fmt.Fprintf(w, "error: %s: %s\n", name, msg)
	}
}

func printSummaries(w io.Writer, summaries []store.NameSummary) {
	table := newTable(w)
	table.SetHeader([]string{"name", "type", "size", "rows", "first", "last"})
	for _, s := range summaries {
		table.Append([]string{
			s.Name,
			s.Type,
			formatValue(s.Size),
			strconv.FormatInt(s.Count, 10),
			formatTime(s.MinTime),
			formatTime(s.MaxTime),
		})
	}
	table.Render()
}

func printCleanup(w io.Writer, results []retention.CleanupResult, dryRun bool) {
	verb := "deleted"
	if dryRun {
		verb = "expired"
	}

	table := newTable(w)
	table.SetHeader([]string{"name", "lifetime", "cutoff", verb})

	var total int64
	for _, r := range results {
		rows := strconv.FormatInt(r.Rows, 10)
		switch {
		case r.Err != nil:
			rows = "error: " + r.Err.Error()
		case r.Skipped:
			rows = "kept"
		}

		cutoff := "-"
		if r.Cutoff != 0 {
			cutoff = formatTime(r.Cutoff)
		}

		table.Append([]string{r.Name, fmt.Sprintf("%dd", r.LifetimeDays), cutoff, rows})
		total += r.Rows
	}
	table.SetFooter([]string{"", "", "total", strconv.FormatInt(total, 10)})
	table.Render()
}

func printCompactionPlan(w io.Writer, jobs []compaction.Job) {
	table := newTable(w)
	table.SetHeader([]string{"name", "bucket", "from", "until"})
	for _, j := range jobs {
		table.Append([]string{j.Name, formatSeconds(j.Size), formatTime(j.Start), formatTime(j.End)})
	}
	table.SetFooter([]string{"", "", "windows", strconv.Itoa(len(jobs))})
	table.Render()
}

func printCompaction(w io.Writer, results []compaction.Result) {
	table := newTable(w)
	table.SetHeader([]string{"name", "bucket", "from", "read", "written"})

	var read, written int
	for _, r := range results {
		if r.Skipped && r.Err == nil {
			continue
		}
		out := strconv.Itoa(r.RowsWritten)
		if r.Err != nil {
			out = "error: " + r.Err.Error()
		}
		table.Append([]string{r.Name, formatSeconds(r.Size), formatTime(r.Start), strconv.Itoa(r.RowsRead), out})
		read += r.RowsRead
		written += r.RowsWritten
	}
	table.SetFooter([]string{"", "", "total", strconv.Itoa(read), strconv.Itoa(written)})
	table.Render()
}

func formatSeconds(sec float64) string {
	return (time.Duration(sec) * time.Second).String()
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	return table
}

func formatTime(sec float64) string {
	return types.SecondsToTime(sec).UTC().Format(time.RFC3339)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// parseTime accepts epoch seconds or an RFC3339 timestamp.
func parseTime(s string) (float64, error) {
	if sec, err := strconv.ParseFloat(s, 64); err == nil {
		return sec, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: want epoch seconds or RFC3339", s)
	}
	return types.TimeToSeconds(t), nil
}

// parseResolution accepts a preset name or a Go duration.
func parseResolution(s string) (float64, error) {
	if r, err := types.ParseResolution(s); err == nil {
		return r.Seconds(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid resolution %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("resolution %q must be positive", s)
	}
	return d.Seconds(), nil
}
