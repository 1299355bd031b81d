package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/config"
	"github.com/mattjoyce/critvals/internal/inspect"
	"github.com/mattjoyce/critvals/internal/log"
	"github.com/mattjoyce/critvals/internal/storage"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

// openStateDB refuses to create a database; alert commands only make sense
// against one the service has already written.
func openStateDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if _, err := os.Stat(cfg.State.Path); err != nil {
		return nil, fmt.Errorf("state database %s: %w", cfg.State.Path, err)
	}
	return storage.OpenSQLite(ctx, cfg.State.Path)
}

func runAlertList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	status := fs.String("status", "", "Filter by status (open, acknowledged)")
	severity := fs.String("severity", "", "Filter by severity (CRITICAL, HIGH, MODERATE)")
	patient := fs.String("patient", "", "Filter by patient ID")
	limit := fs.Int("limit", 50, "Maximum alerts to show (0 for all)")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	filter := alert.Filter{PatientID: *patient, Limit: *limit}
	st, err := alert.ParseStatus(*status)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	filter.Status = st
	if *severity != "" {
		sev, err := thresholds.ParseSeverity(*severity)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		filter.Severity = sev
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := openStateDB(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	alerts, err := alert.NewStore(db).List(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		if alerts == nil {
			alerts = []*alert.Alert{}
		}
		return printJSON(map[string]any{"alerts": alerts, "count": len(alerts)})
	}

	if len(alerts) == 0 {
		fmt.Println("No alerts.")
		return 0
	}
	fmt.Printf("%-36s  %-8s  %-12s  %-14s  %-14s  %-12s  %s\n", "ID", "SEVERITY", "PATIENT", "TEST", "VALUE", "STATUS", "CREATED")
	for _, a := range alerts {
		value := thresholds.FormatValue(a.Value)
		if a.Unit != "" {
			value += " " + a.Unit
		}
		fmt.Printf("%-36s  %-8s  %-12s  %-14s  %-14s  %-12s  %s\n",
			a.ID, a.Severity, a.PatientID, a.Test, value, a.Status, a.CreatedAt.Local().Format(time.DateTime))
	}
	return 0
}

func runAlertAck(args []string) int {
	fs := flag.NewFlagSet("ack", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	by := fs.String("by", os.Getenv("USER"), "Who is acknowledging")
	note := fs.String("note", "", "Free-text note stored with the acknowledgement")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: critvals alert ack <id> --by NAME [--note TEXT]")
		return 1
	}
	if *by == "" {
		fmt.Fprintln(os.Stderr, "Error: --by is required")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	table, err := cfg.ThresholdTable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	matrix, err := cfg.EscalationMatrix()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := openStateDB(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	svc := alert.NewService(alert.NewStore(db), table, matrix, nil, nil, log.Discard())
	a, err := svc.Acknowledge(ctx, positional[0], *by, *note)
	switch {
	case errors.Is(err, alert.ErrAlertNotFound):
		fmt.Fprintf(os.Stderr, "Error: no alert with id %s\n", positional[0])
		return 1
	case errors.Is(err, alert.ErrAlreadyAcknowledged):
		fmt.Fprintf(os.Stderr, "Error: alert %s is already acknowledged\n", positional[0])
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(a)
	}
	fmt.Printf("Acknowledged %s (%s %s for %s) by %s\n", a.ID, a.Severity, a.Test, a.PatientID, a.AcknowledgedBy)
	if rt, ok := a.ResponseTime(); ok {
		fmt.Printf("Response time: %s\n", rt.Round(time.Second))
	}
	return 0
}

func runAlertInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: critvals alert inspect <id> [--config PATH] [--json]")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := openStateDB(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	store := alert.NewStore(db)
	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, store, positional[0])
	} else {
		out, err = inspect.BuildReport(ctx, store, positional[0])
	}
	if errors.Is(err, alert.ErrAlertNotFound) {
		fmt.Fprintf(os.Stderr, "Error: no alert with id %s\n", positional[0])
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOut {
		fmt.Println(out)
	} else {
		fmt.Print(out)
	}
	return 0
}
