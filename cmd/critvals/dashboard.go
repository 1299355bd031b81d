package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattjoyce/critvals/internal/config"
	"github.com/mattjoyce/critvals/internal/launcher"
	"github.com/mattjoyce/critvals/internal/lock"
	"github.com/mattjoyce/critvals/internal/log"
)

func runDashboardLaunch(args []string) int {
	fs := flag.NewFlagSet("launch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	port := fs.Int("port", 0, "Dashboard port (overrides config)")
	address := fs.String("address", "", "Bind address (overrides config)")
	killMatch := fs.String("kill-match", "", "Only terminate port occupants whose command contains this text")
	dryRun := fs.Bool("dry-run", false, "Print the resolved invocation and exit")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, source, err := loadConfigOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	if *port != 0 {
		cfg.Dashboard.Port = *port
	}
	if *address != "" {
		cfg.Dashboard.Address = *address
	}
	if *killMatch != "" {
		cfg.Dashboard.KillMatch = *killMatch
	}

	lc := cfg.LauncherConfig(filepath.Dir(cfg.State.Path))
	if err := lc.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid dashboard settings: %v\n", err)
		return 1
	}

	if *dryRun {
		printInvocation(lc, source)
		return 0
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("dashboard launch", "config", source, "port", lc.Port, "address", lc.Address)

	l, err := launcher.New(lc, launcher.SystemTable{}, log.Get())
	if err != nil {
		logger.Error("invalid launcher configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := l.Run(ctx); err != nil {
		switch {
		case errors.Is(err, lock.ErrLocked):
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		case errors.Is(err, launcher.ErrStartupFailed), errors.Is(err, launcher.ErrRestartsExceeded):
			logger.Error("dashboard stopped", "error", err)
		default:
			logger.Error("dashboard launch failed", "error", err)
		}
		return 1
	}
	logger.Info("dashboard launcher stopped")
	return 0
}

// loadConfigOrDefaults uses the built-in defaults when no config file is
// given and none can be discovered.
func loadConfigOrDefaults(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return config.Defaults(), "built-in defaults", nil
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

func printInvocation(lc launcher.Config, source string) {
	inv := launcher.BuildInvocation(lc, nil)
	fmt.Printf("# config: %s\n", source)
	fmt.Printf("# port %d will be cleared", lc.Port)
	if lc.KillMatch != "" {
		fmt.Printf(" (occupants matching %q only)", lc.KillMatch)
	}
	fmt.Println()
	if len(lc.Prepare) > 0 {
		fmt.Printf("prepare: %s\n", strings.Join(lc.Prepare, " "))
	}
	if inv.Dir != "" {
		fmt.Printf("dir: %s\n", inv.Dir)
	}
	fmt.Printf("argv: %s\n", strings.Join(inv.Argv(), " "))
	fmt.Println("env:")
	for _, kv := range inv.Env {
		fmt.Printf("  %s\n", kv)
	}
}
