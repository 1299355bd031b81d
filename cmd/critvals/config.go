package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/critvals/internal/config"
	"github.com/mattjoyce/critvals/internal/doctor"
)

// runConfigCheck exits 0 when valid, 1 on errors, and 2 when --strict
// is set and warnings remain.
func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	strict := fs.Bool("strict", false, "Fail with exit code 2 on warnings")
	format := fs.String("format", "human", "Output format: human or json")
	jsonOut := fs.Bool("json", false, "Shorthand for --format json")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	result := doctor.New(cfg).Validate()

	if *jsonOut || *format == "json" {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	switch {
	case !result.Valid:
		return 1
	case *strict && len(result.Warnings) > 0:
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Hash files without writing .checksums")
	var verbose bool
	fs.BoolVar(&verbose, "verbose", false, "Print every file hash")
	fs.BoolVar(&verbose, "v", false, "Shorthand for --verbose")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}

	reports, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	if verbose {
		for _, r := range reports {
			printLockReport(r)
		}
	}

	verb := "Successfully locked configuration in"
	if *dryRun {
		verb = "Dry run completed (no files written) for"
	}
	fmt.Printf("%s %d directory/ies:\n", verb, len(reports))
	for _, r := range reports {
		fmt.Printf("  - %s\n", r.Dir)
	}
	return 0
}

func printLockReport(r config.LockReport) {
	fmt.Printf("%s\n", r.Dir)
	for _, e := range r.Entries {
		if e.Missing {
			fmt.Printf("  SKIP %s: not found\n", e.Name)
		} else {
			fmt.Printf("  HASH %s: %s\n", e.Name, e.Hash)
		}
	}
	state := "WROTE"
	if !r.Written {
		state = "DRY-RUN"
	}
	fmt.Printf("  %s .checksums: %s\n", state, r.ManifestPath)
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if len(positional) > 1 {
		fmt.Fprintln(os.Stderr, "Usage: critvals config show [path] [--config PATH] [--json]")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	path := ""
	if len(positional) == 1 {
		path = positional[0]
	}
	result, err := cfg.Redacted().GetPath(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(result)
	}
	switch v := result.(type) {
	case map[string]any, []any:
		data, err := yaml.Marshal(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Print(string(data))
	default:
		fmt.Printf("%v\n", v)
	}
	return 0
}
