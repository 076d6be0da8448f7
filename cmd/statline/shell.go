package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c-bata/go-prompt"

	"github.com/xtxerr/statline/internal/storage"
	"github.com/xtxerr/statline/internal/store"
)

var shellCommands = []prompt.Suggest{
	{Text: "query", Description: "query <name,...> [last=24h] [end=TIME] [res=5min]"},
	{Text: "names", Description: "list stored metrics [prefix]"},
	{Text: "last", Description: "latest value of every datapoint metric"},
	{Text: "inc", Description: "inc <name> [n] adds to a counter"},
	{Text: "dec", Description: "dec <name> [n] subtracts from a counter"},
	{Text: "count", Description: "count <name> <value> sets a counter"},
	{Text: "avg", Description: "avg <name> <value> adds an observation to an average"},
	{Text: "point", Description: "point <name> <value> records a datapoint"},
	{Text: "flush", Description: "write open buckets now"},
	{Text: "cleanup", Description: "delete expired rows [dry]"},
	{Text: "compact", Description: "merge old rows into coarser buckets [dry]"},
	{Text: "stats", Description: "service statistics"},
	{Text: "help", Description: "show commands"},
	{Text: "exit", Description: "leave the shell"},
}

type shell struct {
	svc *storage.Service

	mu    sync.Mutex
	names []string
}

func newShell(svc *storage.Service) *shell {
	sh := &shell{svc: svc}
	sh.refreshNames()
	return sh
}

func (sh *shell) run() {
	p := prompt.New(
		sh.execute,
		sh.complete,
		prompt.OptionPrefix("statline> "),
		prompt.OptionTitle("statline"),
	)
	p.Run()
}

func (sh *shell) refreshNames() {
	ctx, cancel := sh.context()
	defer cancel()

	names, err := sh.svc.Names(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list names: %v\n", err)
		return
	}

	sh.mu.Lock()
	sh.names = names
	sh.mu.Unlock()
}

func (sh *shell) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), sh.svc.Config().Query.Timeout)
}

func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	args := strings.Fields(d.TextBeforeCursor())
	word := d.GetWordBeforeCursor()

	// Still typing the command.
	if len(args) == 0 || (len(args) == 1 && word != "") {
		return prompt.FilterHasPrefix(shellCommands, word, true)
	}

	switch args[0] {
	case "query", "names", "inc", "dec", "count", "avg", "point":
		// Complete the last element of a comma-separated list.
		if i := strings.LastIndex(word, ","); i >= 0 {
			word = word[i+1:]
		}
		sh.mu.Lock()
		suggestions := make([]prompt.Suggest, 0, len(sh.names))
		for _, name := range sh.names {
			suggestions = append(suggestions, prompt.Suggest{Text: name})
		}
		sh.mu.Unlock()
		return prompt.FilterHasPrefix(suggestions, word, false)
	case "cleanup", "compact":
		return prompt.FilterHasPrefix([]prompt.Suggest{{Text: "dry", Description: "report only"}}, word, true)
	}
	return nil
}

func (sh *shell) execute(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}

	switch args[0] {
	case "query":
		sh.query(args[1:])
	case "names":
		sh.listNames(args[1:])
	case "last":
		sh.last()
	case "inc", "dec", "count", "avg", "point":
		sh.record(args[0], args[1:])
	case "flush":
		sh.flush()
	case "cleanup":
		sh.cleanup(args[1:])
	case "compact":
		sh.compact(args[1:])
	case "stats":
		sh.stats()
	case "help":
		for _, c := range shellCommands {
			fmt.Printf("  %-8s %s\n", c.Text, c.Description)
		}
	case "exit", "quit":
		if err := sh.svc.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		}
		os.Exit(0)
	default:
		fmt.Printf("unknown command %q, try help\n", args[0])
	}
}

func (sh *shell) query(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: query <name,...> [last=24h] [end=TIME] [res=5min]")
		return
	}

	opts := runOptions{names: args[0]}
	for _, arg := range args[1:] {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			fmt.Printf("expected key=value, got %q\n", arg)
			return
		}
		switch key {
		case "last":
			d, err := time.ParseDuration(value)
			if err != nil {
				fmt.Printf("last: %v\n", err)
				return
			}
			opts.last = d
		case "start":
			opts.start = value
		case "end":
			opts.end = value
		case "res":
			opts.resolution = value
		default:
			fmt.Printf("unknown option %q\n", key)
			return
		}
	}

	// The shell defaults to the configured resolution rather than a preset.
	if opts.resolution == "" {
		opts.resolution = sh.svc.Config().Query.DefaultResolution.String()
	}

	req, err := buildRequest(opts, time.Now())
	if err != nil {
		fmt.Println(err)
		return
	}

	ctx, cancel := sh.context()
	defer cancel()

	result, err := sh.svc.Collect(ctx, req)
	if err != nil {
		fmt.Println(err)
		return
	}
	printResult(os.Stdout, result)
}

func (sh *shell) listNames(args []string) {
	var filter store.NameFilter
	if len(args) > 0 {
		filter.Prefix = args[0]
	}

	ctx, cancel := sh.context()
	defer cancel()

	summaries, err := sh.svc.Summaries(ctx, filter)
	if err != nil {
		fmt.Println(err)
		return
	}
	printSummaries(os.Stdout, summaries)

	if filter.Prefix == "" {
		sh.refreshNames()
	}
}

func (sh *shell) last() {
	ctx, cancel := sh.context()
	defer cancel()

	values, err := sh.svc.LastDatapoints(ctx)
	if err != nil {
		fmt.Println(err)
		return
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	table := newTable(os.Stdout)
	table.SetHeader([]string{"name", "value"})
	for _, name := range names {
		table.Append([]string{name, formatValue(values[name])})
	}
	table.Render()
}

func (sh *shell) record(cmd string, args []string) {
	if len(args) == 0 || len(args) > 2 {
		fmt.Printf("usage: %s <name> <value>\n", cmd)
		return
	}

	name := args[0]
	value := 1.0
	if len(args) == 2 {
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			fmt.Printf("value: %v\n", err)
			return
		}
		value = v
	} else if cmd != "inc" && cmd != "dec" {
		fmt.Printf("usage: %s <name> <value>\n", cmd)
		return
	}

	rec := sh.svc.Recorder()

	var err error
	switch cmd {
	case "inc":
		err = rec.Increment(name, value)
	case "dec":
		err = rec.Decrement(name, value)
	case "count":
		err = rec.Count(name, value)
	case "avg":
		err = rec.Average(name, value)
	case "point":
		err = rec.Datapoint(name, value)
	}
	if err != nil {
		fmt.Println(err)
	}
}

func (sh *shell) flush() {
	ctx, cancel := sh.context()
	defer cancel()

	if err := sh.svc.Recorder().Flush(ctx); err != nil {
		fmt.Println(err)
		return
	}
	sh.refreshNames()

	s := sh.svc.Recorder().Stats()
	fmt.Printf("%d rows written, %d buckets open\n", s.RowsWritten, s.OpenBuckets)
}

func (sh *shell) cleanup(args []string) {
	dryRun := len(args) > 0 && args[0] == "dry"

	ctx, cancel := sh.context()
	defer cancel()

	run := sh.svc.RunRetention
	if dryRun {
		run = sh.svc.DryRunRetention
	}
	results, err := run(ctx)
	if err != nil {
		fmt.Println(err)
		return
	}
	printCleanup(os.Stdout, results, dryRun)
}

func (sh *shell) compact(args []string) {
	ctx, cancel := sh.context()
	defer cancel()

	if len(args) > 0 && args[0] == "dry" {
		jobs, err := sh.svc.PlanCompaction(ctx)
		if err != nil {
			fmt.Println(err)
			return
		}
		printCompactionPlan(os.Stdout, jobs)
		return
	}

	results, err := sh.svc.RunCompaction(ctx)
	if err != nil {
		fmt.Println(err)
		return
	}
	printCompaction(os.Stdout, results)
}

func (sh *shell) stats() {
	s := sh.svc.Stats()

	fmt.Printf("rows recorded:   %d\n", s.RowsRecorded)
	fmt.Printf("rows imported:   %d\n", s.RowsImported)
	fmt.Printf("rows exported:   %d\n", s.RowsExported)
	fmt.Printf("queries:         %d (%d shared, %d errors)\n",
		s.Query.QueriesExecuted, s.Query.QueriesShared, s.Query.Errors)
	fmt.Printf("rows loaded:     %d\n", s.Query.RowsLoaded)
	fmt.Printf("last query:      %s\n", s.Query.LastDuration)
	fmt.Printf("retention runs:  %d (%d rows deleted)\n", s.Retention.Runs, s.Retention.RowsDeleted)
	fmt.Printf("registry:        %+v\n", s.Registry)

	in := s.Ingestion
	fmt.Printf("events:          %d recorded, %d dropped, %d duplicates skipped\n",
		in.EventsRecorded, in.EventsDropped, in.DuplicatesSkipped)
	fmt.Printf("buffer:          %d/%d (%s)\n",
		in.Buffer.Len, in.Buffer.Capacity, in.Backpressure.CurrentLevel)
	fmt.Printf("buckets:         %d open, %d rows written in %d flushes\n",
		in.OpenBuckets, in.RowsWritten, in.FlushesCompleted)

	c := s.Compaction
	fmt.Printf("compaction:      %d runs, %d rows merged into %d, %d failed\n",
		c.Runs, c.RowsRead, c.RowsWritten, c.JobsFailed)
}
