package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mattjoyce/critvals/internal/config"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

// command is one noun action, e.g. "alert ack".
type command struct {
	action   string
	operands string // positional args shown in usage, e.g. "<id>"
	flags    string
	summary  string
	help     string // printed after the usage line
	run      func(args []string) int
}

type noun struct {
	name     string
	summary  string
	commands []command
}

var nouns = []noun{
	{name: "dashboard", summary: "Clinical dashboard process", commands: []command{
		{
			action:  "launch",
			flags:   "[--config PATH] [--port N] [--address ADDR] [--kill-match TEXT] [--dry-run]",
			summary: "Clear the dashboard port and run the dashboard in the foreground",
			help: `Terminate whatever listens on the dashboard port, install the file watcher,
then run the dashboard in the foreground and restart it if it dies.

Without a config file the built-in streamlit defaults are used.
--dry-run prints the resolved command and environment and exits.`,
			run: runDashboardLaunch,
		},
	}},
	{name: "system", summary: "Alert service lifecycle and health", commands: []command{
		{
			action:  "start",
			flags:   "[--config PATH]",
			summary: "Start the alert service in the foreground",
			help:    "Runs the API, the escalation scheduler and every configured ingest feed.",
			run:     runStart,
		},
		{
			action:  "status",
			flags:   "[--config PATH] [--json]",
			summary: "Show config, database and service lock state",
			help: `Exit codes:
  0  All required checks passed
  1  One or more checks failed`,
			run: runSystemStatus,
		},
		{
			action:  "watch",
			flags:   "[--api-url URL] [--api-key KEY] [--user NAME]",
			summary: "Live alert monitor",
			help: `Shows service health, open alerts and the event stream.

  --api-url URL    Service API URL (default: http://localhost:8080)
  --api-key KEY    Bearer token (or CRITVALS_API_KEY)
  --user NAME      Name recorded on acknowledgements (default: $USER)

Keys: q quit, up/down or k/j select, a acknowledge, r refresh`,
			run: runWatch,
		},
	}},
	{name: "result", summary: "Lab result evaluation and simulation", commands: []command{
		{
			action:   "check",
			operands: "<test> <value>",
			flags:    "[--config PATH] [--json]",
			summary:  "Classify one value against the thresholds",
			help:     "Exits 0 either way; the output says whether the value alerts.",
			run:      runResultCheck,
		},
		{
			action:  "simulate",
			flags:   "[--count N] [--seed N] [--demo] [--url URL --api-key KEY] [--json]",
			summary: "Generate results in-process or post them to a server",
			help: `Without --url the results run through an in-memory alert service and
the resulting metrics are printed. With --url they are posted to a
running service.`,
			run: runResultSimulate,
		},
	}},
	{name: "alert", summary: "Alert review and acknowledgement", commands: []command{
		{
			action:  "list",
			flags:   "[--config PATH] [--status open|acknowledged] [--severity S] [--patient ID] [--limit N] [--json]",
			summary: "List stored alerts, newest first",
			run:     runAlertList,
		},
		{
			action:   "ack",
			operands: "<id>",
			flags:    "--by NAME [--note TEXT] [--config PATH]",
			summary:  "Acknowledge an open alert and stop its escalation",
			run:      runAlertAck,
		},
		{
			action:   "inspect",
			operands: "<id>",
			flags:    "[--config PATH] [--json]",
			summary:  "Show an alert with its paging timeline",
			help:     "Prints the alert, its audit trail oldest first and every notification attempt.",
			run:      runAlertInspect,
		},
	}},
	{name: "config", summary: "System configuration and integrity", commands: []command{
		{
			action:  "check",
			flags:   "[--config PATH] [--format human|json] [--strict] [--json]",
			summary: "Validate syntax, policy and integrity",
			help: `Exit codes:
  0  Valid
  1  Errors found
  2  Warnings found with --strict`,
			run: runConfigCheck,
		},
		{
			action:  "lock",
			flags:   "[--config PATH] [-v|--verbose] [--dry-run]",
			summary: "Pin the current files with BLAKE3 checksums",
			run:     runConfigLock,
		},
		{
			action:   "show",
			operands: "[path]",
			flags:    "[--config PATH] [--json]",
			summary:  "Show resolved configuration with secrets redacted",
			run:      runConfigShow,
		},
	}},
}

func runCLI(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 1
	}
	name, rest := args[0], args[1:]

	switch name {
	case "version", "--version":
		return runVersion(rest)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	// shortcuts
	case "start":
		return runStart(rest)
	case "launch":
		return runDashboardLaunch(rest)
	case "doctor":
		return runConfigCheck(rest)
	}

	i := slices.IndexFunc(nouns, func(n noun) bool { return n.name == name })
	if i < 0 {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
		printUsage(os.Stderr)
		return 1
	}
	return nouns[i].dispatch(rest)
}

func (n noun) dispatch(args []string) int {
	if len(args) == 0 {
		n.printHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		n.printHelp(os.Stdout)
		return 0
	}
	i := slices.IndexFunc(n.commands, func(c command) bool { return c.action == args[0] })
	if i < 0 {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", n.name, args[0])
		return 1
	}
	c := n.commands[i]
	if slices.ContainsFunc(args[1:], func(a string) bool { return a == "--help" || a == "-h" }) {
		c.printHelp(n.name)
		return 0
	}
	return c.run(args[1:])
}

func (n noun) printHelp(w io.Writer) {
	actions := make([]string, len(n.commands))
	for i, c := range n.commands {
		actions[i] = c.action
	}
	fmt.Fprintf(w, "Usage: critvals %s <action> [flags]\n", n.name)
	fmt.Fprintf(w, "Actions: %s\n", strings.Join(actions, ", "))
}

func (c command) printHelp(nounName string) {
	fmt.Println("Usage: " + strings.Join(nonEmpty("critvals", nounName, c.action, c.operands, c.flags), " "))
	fmt.Println(c.summary + ".")
	if c.help != "" {
		fmt.Println()
		fmt.Println(c.help)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, "critvals - Critical laboratory value alerting and dashboard launcher\n\n")
	fmt.Fprint(w, "Usage:\n  critvals <noun> <action> [flags]\n\nNouns:\n")
	for _, n := range nouns {
		fmt.Fprintf(w, "  %-10s %s\n", n.name, n.summary)
	}
	fmt.Fprint(w, "\nCommands:\n")
	for _, n := range nouns {
		for _, c := range n.commands {
			fmt.Fprintf(w, "  %-32s %s\n", strings.Join(nonEmpty(n.name, c.action, c.operands), " "), c.summary)
		}
	}
	fmt.Fprint(w, `
Shortcuts: start, launch, doctor
  version [--json]                 Show version information

Use 'critvals <noun> <action> --help' for flags.
`)
}

func nonEmpty(parts ...string) []string {
	return slices.DeleteFunc(parts, func(s string) bool { return s == "" })
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// getPIDLockPath puts the service lock next to the state database.
func getPIDLockPath(cfg *config.Config) string {
	db := cfg.State.Path
	return strings.TrimSuffix(db, filepath.Ext(db)) + ".pid"
}

// parseInterleaved parses flags that appear before, between or after
// positional arguments and returns the positionals in order.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	var positional []string
	for fs.NArg() > 0 {
		positional = append(positional, fs.Arg(0))
		if err := fs.Parse(fs.Args()[1:]); err != nil {
			return nil, err
		}
	}
	return positional, nil
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
