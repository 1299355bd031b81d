package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/api"
	"github.com/mattjoyce/critvals/internal/client"
	"github.com/mattjoyce/critvals/internal/config"
	"github.com/mattjoyce/critvals/internal/log"
	"github.com/mattjoyce/critvals/internal/notify"
	"github.com/mattjoyce/critvals/internal/simulate"
	"github.com/mattjoyce/critvals/internal/storage"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

type checkOutput struct {
	Test    string              `json:"test"`
	Value   float64             `json:"value"`
	Known   bool                `json:"known"`
	Alert   bool                `json:"alert"`
	Finding *thresholds.Finding `json:"finding,omitempty"`
}

func runResultCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: critvals result check <test> <value> [--config PATH] [--json]")
		return 1
	}
	test := positional[0]
	value, err := strconv.ParseFloat(positional[1], 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: value %q is not a number\n", positional[1])
		return 1
	}

	cfg, _, err := loadConfigOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	table, err := cfg.ThresholdTable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	finding, err := table.Evaluate(test, value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	r, known := table.Lookup(test)
	out := checkOutput{Test: test, Value: value, Known: known, Alert: finding != nil, Finding: finding}
	if known {
		out.Test = r.Test
	}

	if *jsonOut {
		return printJSON(out)
	}
	switch {
	case finding != nil:
		fmt.Printf("%s %s\n", finding.Severity, finding.Message)
	case !known:
		fmt.Printf("%s: no thresholds configured, no alert\n", test)
	default:
		fmt.Printf("%s = %s %s: within critical limits\n", r.Test, thresholds.FormatValue(value), r.Unit)
	}
	return 0
}

type simulationSummary struct {
	Submitted  int            `json:"submitted"`
	Alerts     int            `json:"alerts"`
	Duplicates int            `json:"duplicates"`
	Normal     int            `json:"normal"`
	Rejected   int            `json:"rejected"`
	Bands      map[string]int `json:"bands,omitempty"`
	Metrics    *alert.Metrics `json:"metrics,omitempty"`
}

func runResultSimulate(args []string) int {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	count := fs.Int("count", 100, "Number of patients to generate")
	seed := fs.Uint64("seed", 0, "Random seed (0 picks one from the clock)")
	demo := fs.Bool("demo", false, "Use the fixed five-patient demo set")
	apiURL := fs.String("url", "", "Post results to a running service instead of evaluating in-process")
	apiKey := fs.String("api-key", os.Getenv(apiKeyEnv), "API Bearer Token for --url")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *count <= 0 {
		fmt.Fprintln(os.Stderr, "Error: --count must be positive")
		return 1
	}

	cfg, _, err := loadConfigOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	table, err := cfg.ThresholdTable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	summary := simulationSummary{}
	var results []alert.LabResult
	if *demo {
		results = simulate.Demo()
	} else {
		if *seed == 0 {
			*seed = uint64(time.Now().UnixNano())
		}
		gen, err := simulate.New(table, *seed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		samples := gen.Generate(*count)
		summary.Bands = make(map[string]int)
		for _, s := range samples {
			summary.Bands[s.Kind.String()]++
		}
		results = simulate.Results(samples)
	}
	summary.Submitted = len(results)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if *apiURL != "" {
		err = postSimulation(ctx, client.New(*apiURL, *apiKey, nil), results, &summary)
	} else {
		err = runSimulationLocally(ctx, cfg, table, results, &summary)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Simulation failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(summary)
	}
	fmt.Printf("Submitted %d results: %d alerts, %d duplicates, %d normal, %d rejected\n",
		summary.Submitted, summary.Alerts, summary.Duplicates, summary.Normal, summary.Rejected)
	for _, k := range []simulate.Kind{simulate.KindNormal, simulate.KindAbnormal, simulate.KindCritical, simulate.KindPanic} {
		if n, ok := summary.Bands[k.String()]; ok {
			fmt.Printf("  %-9s %d\n", k.String(), n)
		}
	}
	if m := summary.Metrics; m != nil {
		fmt.Printf("Alerts: %d total (%d critical, %d high, %d moderate), %d open\n",
			m.Total, m.Critical, m.High, m.Moderate, m.Open)
	}
	return 0
}

func postSimulation(ctx context.Context, c *client.Client, results []alert.LabResult, summary *simulationSummary) error {
	resp, err := c.PostResults(ctx, results)
	if err != nil {
		return err
	}
	for _, o := range resp.Outcomes {
		tallyOutcome(summary, o.Outcome)
	}
	m, err := c.Metrics(ctx)
	if err != nil {
		return err
	}
	summary.Metrics = m
	return nil
}

// runSimulationLocally pushes results through a throwaway in-memory alert
// service. Pages go to a log channel that discards them.
func runSimulationLocally(ctx context.Context, cfg *config.Config, table *thresholds.Table, results []alert.LabResult, summary *simulationSummary) error {
	matrix, err := cfg.EscalationMatrix()
	if err != nil {
		return err
	}
	db, err := storage.OpenSQLite(ctx, storage.MemoryPath)
	if err != nil {
		return err
	}
	defer db.Close()

	logger := log.Discard()
	store := alert.NewStore(db)
	store.SetDedupeWindow(cfg.Service.DedupeWindow)
	dispatcher := notify.NewDispatcher(cfg.Directory(), store, logger, cfg.NotifyOptions(), notify.NewLogChannel(logger))
	svc := alert.NewService(store, table, matrix, dispatcher, nil, logger)

	for _, r := range results {
		a, err := svc.Ingest(ctx, r)
		switch {
		case errors.Is(err, alert.ErrDuplicate):
			tallyOutcome(summary, api.OutcomeDuplicate)
		case errors.Is(err, alert.ErrInvalidResult):
			tallyOutcome(summary, api.OutcomeRejected)
		case err != nil:
			return err
		case a == nil:
			tallyOutcome(summary, api.OutcomeNormal)
		default:
			tallyOutcome(summary, api.OutcomeAlert)
		}
	}

	m, err := svc.Metrics(ctx)
	if err != nil {
		return err
	}
	summary.Metrics = m
	return nil
}

func tallyOutcome(summary *simulationSummary, outcome string) {
	switch outcome {
	case api.OutcomeAlert:
		summary.Alerts++
	case api.OutcomeDuplicate:
		summary.Duplicates++
	case api.OutcomeNormal:
		summary.Normal++
	case api.OutcomeRejected:
		summary.Rejected++
	}
}
