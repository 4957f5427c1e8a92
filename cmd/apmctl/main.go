package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/NawfalRAZOUK7/apm-observability/pkg/api/client"
	"github.com/NawfalRAZOUK7/apm-observability/pkg/config"
	"github.com/NawfalRAZOUK7/apm-observability/pkg/telemetry"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	cfg := config.LoadCtlConfig()

	var err error
	switch cmd {
	case "seed":
		err = commandSeed(cfg, args)
	case "ingest":
		err = commandIngest(cfg, args)
	case "kpis":
		err = commandKPIs(cfg, args)
	case "top":
		err = commandTop(cfg, args)
	case "hourly", "daily":
		err = commandBuckets(cfg, cmd, args)
	case "health":
		err = commandHealth(cfg, args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type commonFlags struct {
	api     *string
	timeout *time.Duration
	asJSON  *bool
	gzip    *bool
}

func addCommon(fs *flag.FlagSet, cfg config.CtlConfig) commonFlags {
	return commonFlags{
		api:     fs.String("api", cfg.APIURL, "API base URL"),
		timeout: fs.Duration("timeout", cfg.Timeout, "Request timeout"),
		asJSON:  fs.Bool("json", !term.IsTerminal(int(os.Stdout.Fd())), "Print JSON instead of a table"),
		gzip:    fs.Bool("gzip", false, "Compress ingest bodies"),
	}
}

func (c commonFlags) client() (*client.Client, error) {
	return client.New(*c.api, client.WithGzip(*c.gzip))
}

func (c commonFlags) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), *c.timeout)
}

func addFilters(fs *flag.FlagSet) *client.Filters {
	f := &client.Filters{}
	fs.StringVar(&f.Start, "start", "", "Start instant (RFC3339 or YYYY-MM-DD)")
	fs.StringVar(&f.End, "end", "", "End instant (RFC3339 or YYYY-MM-DD)")
	fs.StringVar(&f.Service, "service", "", "Service filter")
	fs.StringVar(&f.Endpoint, "endpoint", "", "Endpoint filter")
	return f
}

func commandSeed(cfg config.CtlConfig, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	common := addCommon(fs, cfg)
	count := fs.Int("count", cfg.SeedCount, "Number of events to generate")
	days := fs.Int("days", cfg.SeedDays, "Spread events over the last N days")
	errRate := fs.Float64("error-rate", cfg.SeedErrRate, "Fraction of 4xx/5xx responses")
	batch := fs.Int("batch", cfg.SeedBatch, "Events per request")
	seed := fs.Int64("seed", 0, "Random seed (0 picks one)")
	dryRun := fs.Bool("dry-run", false, "Print the generated events instead of sending them")
	fs.Parse(args)

	events := telemetry.NewGenerator(telemetry.GeneratorConfig{
		Count:     *count,
		Days:      *days,
		ErrorRate: *errRate,
		Seed:      *seed,
	}).Generate()
	if *dryRun {
		return printJSON(os.Stdout, events)
	}

	cli, err := common.client()
	if err != nil {
		return err
	}
	emitter, err := telemetry.NewEmitter(cli,
		telemetry.WithBatchSize(*batch),
		telemetry.WithProgress(func(sent, total int) {
			if !*common.asJSON {
				fmt.Fprintf(os.Stderr, "\rsent %d/%d", sent, total)
			}
		}),
	)
	if err != nil {
		return err
	}
	ctx, cancel := common.context()
	defer cancel()
	sum, err := emitter.Emit(ctx, events)
	if !*common.asJSON {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}
	if *common.asJSON {
		return printJSON(os.Stdout, sum)
	}
	fmt.Printf("seeded %d events in %d batches (rejected %d)\n", sum.Inserted, sum.Batches, sum.Rejected)
	return nil
}

func commandIngest(cfg config.CtlConfig, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	common := addCommon(fs, cfg)
	file := fs.String("file", "-", "JSON payload file (- reads stdin)")
	strict := fs.Bool("strict", false, "Reject the whole batch on any invalid event")
	maxEvents := fs.Int("max-events", 0, "Per-request max_events override")
	maxErrors := fs.Int("max-errors", -1, "Per-request max_errors override")
	batchSize := fs.Int("batch-size", 0, "Per-request batch_size override")
	fs.Parse(args)

	payload, err := readPayload(*file)
	if err != nil {
		return err
	}
	opts := client.IngestOptions{Strict: *strict, MaxEvents: *maxEvents, BatchSize: *batchSize}
	if *maxErrors >= 0 {
		opts.MaxErrors = maxErrors
	}
	cli, err := common.client()
	if err != nil {
		return err
	}
	ctx, cancel := common.context()
	defer cancel()

	result, err := cli.IngestRaw(ctx, payload, opts)
	if err != nil && result.Inserted+result.Rejected == 0 {
		return err
	}
	if *common.asJSON {
		if perr := printJSON(os.Stdout, result); perr != nil {
			return perr
		}
		return err
	}
	fmt.Printf("inserted=%d rejected=%d\n", result.Inserted, result.Rejected)
	if len(result.Errors) > 0 {
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "INDEX\tFIELD\tMESSAGE")
		for _, item := range result.Errors {
			for field, msgs := range item.Detail {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", item.Index, field, strings.Join(msgs, "; "))
			}
		}
		tw.Flush()
	}
	return err
}

func readPayload(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

func commandKPIs(cfg config.CtlConfig, args []string) error {
	fs := flag.NewFlagSet("kpis", flag.ExitOnError)
	common := addCommon(fs, cfg)
	filters := addFilters(fs)
	fs.StringVar(&filters.Method, "method", "", "HTTP method filter")
	fs.StringVar(&filters.Granularity, "granularity", "", "Source tier: auto, raw, hourly or daily")
	fs.IntVar(&filters.ErrorFrom, "error-from", 0, "Lowest status counted as an error")
	fs.Parse(args)

	cli, err := common.client()
	if err != nil {
		return err
	}
	ctx, cancel := common.context()
	defer cancel()
	kpis, err := cli.KPIs(ctx, *filters)
	if err != nil {
		return err
	}
	if *common.asJSON {
		return printJSON(os.Stdout, kpis)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tHITS\tERRORS\tERROR RATE\tAVG MS\tP95 MS\tMAX MS")
	fmt.Fprintf(tw, "%s\t%d\t%d\t%.4f\t%s\t%s\t%s\n", kpis.Source, kpis.Hits, kpis.Errors, kpis.ErrorRate,
		formatFloat(kpis.AvgLatencyMS), formatFloat(kpis.P95LatencyMS), formatInt(kpis.MaxLatencyMS))
	return tw.Flush()
}

func commandTop(cfg config.CtlConfig, args []string) error {
	fs := flag.NewFlagSet("top", flag.ExitOnError)
	common := addCommon(fs, cfg)
	filters := addFilters(fs)
	fs.StringVar(&filters.Method, "method", "", "HTTP method filter")
	fs.StringVar(&filters.Granularity, "granularity", "", "Source tier: auto, raw, hourly or daily")
	var opts client.TopOptions
	fs.IntVar(&opts.Limit, "limit", 10, "Number of endpoints")
	fs.StringVar(&opts.SortBy, "sort-by", "", "hits, errors, error_rate, avg_latency_ms, p95_latency_ms or max_latency_ms")
	fs.StringVar(&opts.Direction, "direction", "", "asc or desc")
	fs.BoolVar(&opts.WithP95, "p95", false, "Include p95 latency")
	fs.Parse(args)

	cli, err := common.client()
	if err != nil {
		return err
	}
	ctx, cancel := common.context()
	defer cancel()
	top, err := cli.TopEndpoints(ctx, *filters, opts)
	if err != nil {
		return err
	}
	if *common.asJSON {
		return printJSON(os.Stdout, top)
	}
	fmt.Printf("source: %s\n", top.Source)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tENDPOINT\tHITS\tERRORS\tERROR RATE\tAVG MS\tP95 MS\tMAX MS")
	for _, s := range top.Results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.4f\t%s\t%s\t%s\n", s.Service, s.Endpoint, s.Hits, s.Errors, s.ErrorRate,
			formatFloat(s.AvgLatencyMS), formatFloat(s.P95LatencyMS), formatInt(s.MaxLatencyMS))
	}
	return tw.Flush()
}

func commandBuckets(cfg config.CtlConfig, tier string, args []string) error {
	fs := flag.NewFlagSet(tier, flag.ExitOnError)
	common := addCommon(fs, cfg)
	filters := addFilters(fs)
	limit := fs.Int("limit", 0, "Maximum rows")
	fs.Parse(args)

	cli, err := common.client()
	if err != nil {
		return err
	}
	ctx, cancel := common.context()
	defer cancel()
	rows, err := cli.Buckets(ctx, tier, *filters, *limit)
	if err != nil {
		return err
	}
	if *common.asJSON {
		return printJSON(os.Stdout, rows)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUCKET\tSERVICE\tENDPOINT\tHITS\tERRORS\tAVG MS\tP95 MS\tMAX MS")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n", r.Bucket.Format(time.RFC3339), r.Service, r.Endpoint, r.Hits, r.Errors,
			formatFloat(r.AvgLatencyMS), formatFloat(r.P95LatencyMS), formatInt(r.MaxLatencyMS))
	}
	return tw.Flush()
}

func commandHealth(cfg config.CtlConfig, args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	common := addCommon(fs, cfg)
	checkDB := fs.Bool("db", true, "Include a database ping")
	fs.Parse(args)

	cli, err := common.client()
	if err != nil {
		return err
	}
	ctx, cancel := common.context()
	defer cancel()
	health, err := cli.Health(ctx, *checkDB)
	if err != nil {
		return err
	}
	if *common.asJSON {
		if err := printJSON(os.Stdout, health); err != nil {
			return err
		}
	} else {
		fmt.Printf("status: %s\n", health.Status)
		for name, component := range health.Components {
			data, _ := json.Marshal(component)
			fmt.Printf("  %s: %s\n", name, data)
		}
	}
	if health.Status != "ok" {
		return errors.New("api is degraded")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

func formatInt(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func printUsage() {
	fmt.Printf("apmctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	apmctl seed [--count N] [--days N] [--error-rate 0.10] [--batch N] [--seed N] [--dry-run]
	apmctl ingest [--file events.json] [--strict] [--max-events N] [--max-errors N] [--batch-size N] [--gzip]
	apmctl kpis [--start T] [--end T] [--service S] [--endpoint E] [--method M] [--granularity G] [--error-from N]
	apmctl top [filters] [--limit N] [--sort-by KEY] [--direction asc|desc] [--p95]
	apmctl hourly|daily [--start T] [--end T] [--service S] [--endpoint E] [--limit N]
	apmctl health [--db=false]
	apmctl version

Every command accepts --api URL, --timeout D and --json. APM_API_URL sets the default API URL.
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
