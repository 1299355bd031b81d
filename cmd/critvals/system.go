package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/api"
	"github.com/mattjoyce/critvals/internal/client"
	"github.com/mattjoyce/critvals/internal/cloud"
	"github.com/mattjoyce/critvals/internal/config"
	"github.com/mattjoyce/critvals/internal/events"
	"github.com/mattjoyce/critvals/internal/ingest"
	"github.com/mattjoyce/critvals/internal/lock"
	"github.com/mattjoyce/critvals/internal/log"
	"github.com/mattjoyce/critvals/internal/notify"
	"github.com/mattjoyce/critvals/internal/scheduler"
	"github.com/mattjoyce/critvals/internal/storage"
	"github.com/mattjoyce/critvals/internal/tui/watch"
	"github.com/mattjoyce/critvals/internal/webhook"
)

const apiKeyEnv = "CRITVALS_API_KEY"

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("critvals starting", "version", version, "config", *configPath)

	table, err := cfg.ThresholdTable()
	if err != nil {
		logger.Error("invalid thresholds", "error", err)
		return 1
	}
	matrix, err := cfg.EscalationMatrix()
	if err != nil {
		logger.Error("invalid escalation policy", "error", err)
		return 1
	}

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	store := alert.NewStore(db)
	store.SetDedupeWindow(cfg.Service.DedupeWindow)
	hub := events.NewHub(256)

	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		awsCfg, err = cloud.LoadConfig(ctx, cfg.AWSSettings())
		if err != nil {
			logger.Error("failed to load AWS configuration", "error", err)
			return 1
		}
	}

	dispatcher := buildDispatcher(cfg, store, awsCfg, log.Get())
	logger.Info("notification channels ready", "channels", dispatcher.Channels())

	svc := alert.NewService(store, table, matrix, dispatcher, hub, log.Get())
	sched := scheduler.New(store, matrix, dispatcher, hub, cfg.Service.TickInterval, log.Get())

	sources, err := buildSources(cfg, awsCfg, log.Get())
	if err != nil {
		logger.Error("failed to configure ingest", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler failed to start", "error", err)
		return 1
	}
	defer sched.Stop()

	var components []component
	if len(sources) > 0 {
		components = append(components, component{name: "ingest", run: func(ctx context.Context) error {
			return ingest.RunAll(ctx, sources, ingest.ServiceHandler(svc), log.WithComponent("ingest"))
		}})
	}

	if cfg.API.Enabled {
		names := make([]string, 0, len(sources))
		for _, src := range sources {
			names = append(names, src.Name())
		}
		apiConfig := api.Config{
			Listen:  cfg.API.Listen,
			APIKey:  cfg.API.Auth.APIKey,
			Tokens:  cfg.Tokens(),
			Sources: names,
		}
		apiServer := api.New(apiConfig, svc, hub, log.WithComponent("api"))
		components = append(components, component{name: "api", run: apiServer.Start})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("critvals running (press Ctrl+C to stop)")

	if err := supervise(ctx, sigCh, logger, components...); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("critvals stopped")
	return 0
}

// component is a long-running part of the service that returns once its
// context is cancelled.
type component struct {
	name string
	run  func(context.Context) error
}

// supervise runs components until a signal arrives or one of them fails,
// then cancels the rest and waits for all of them to return.
func supervise(ctx context.Context, stop <-chan os.Signal, logger *slog.Logger, components ...component) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range components {
		g.Go(func() error {
			if err := c.run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", c.name, err)
			}
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case sig := <-stop:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
		return <-done
	case err := <-done:
		if err != nil {
			return err
		}
	}

	// Every component returned cleanly. The scheduler still runs until a signal.
	select {
	case sig := <-stop:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}
	return nil
}

// buildDispatcher registers the log channel plus every transport a contact
// needs. SES and SNS clients share awsCfg.
func buildDispatcher(cfg *config.Config, store *alert.Store, awsCfg aws.Config, logger *slog.Logger) *notify.Dispatcher {
	channels := []notify.Channel{notify.NewLogChannel(log.WithComponent("notify.log"))}
	if cfg.UsesChannel("webhook") {
		channels = append(channels, notify.NewWebhookChannel(cfg.WebhookOptions()))
	}
	if cfg.Notify.Email.From != "" {
		channels = append(channels, notify.NewEmailChannel(ses.NewFromConfig(awsCfg), cfg.Notify.Email.From))
	}
	if cfg.Notify.SMS.Enabled {
		channels = append(channels, notify.NewSMSChannel(sns.NewFromConfig(awsCfg), cfg.Notify.SMS.SenderID))
	}
	return notify.NewDispatcher(cfg.Directory(), store, logger, cfg.NotifyOptions(), channels...)
}

func buildSources(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) ([]ingest.Source, error) {
	var sources []ingest.Source
	if kc, ok := cfg.KafkaConfig(); ok {
		src, err := ingest.NewKafkaSource(kc, logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if qc, ok := cfg.SQSConfig(); ok {
		src, err := ingest.NewSQSSource(ingest.NewSQSClient(awsCfg), qc, logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if cfg.Ingest.Webhook != nil {
		wc, err := cfg.WebhookIngestConfig()
		if err != nil {
			return nil, err
		}
		src, err := webhook.New(wc, logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

type statusCheck struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail"`
	ActivePID int    `json:"active_pid,omitempty"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Running bool          `json:"running"`
	Checks  []statusCheck `json:"checks"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := collectStatus(*configPath)

	if *jsonOut {
		if code := printJSON(report); code != 0 {
			return code
		}
	} else {
		for _, c := range report.Checks {
			state := "OK"
			if !c.OK {
				state = "FAIL"
			}
			fmt.Printf("%s: %s (%s)\n", c.Name, state, c.Detail)
		}
		if report.Healthy {
			fmt.Println("Status: healthy")
		} else {
			fmt.Println("Status: unhealthy")
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

// collectStatus does not create a missing state database.
func collectStatus(configPath string) statusReport {
	report := statusReport{}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		report.Checks = append(report.Checks,
			statusCheck{Name: "config_load", Detail: err.Error()},
			statusCheck{Name: "state_db", Detail: "skipped: config not loaded"},
			statusCheck{Name: "pid_lock", Detail: "skipped: config not loaded"},
		)
		return report
	}
	report.Checks = append(report.Checks, statusCheck{Name: "config_load", OK: true, Detail: "loaded"})

	dbCheck := statusCheck{Name: "state_db"}
	if _, err := os.Stat(cfg.State.Path); err != nil {
		dbCheck.Detail = fmt.Sprintf("%s: %v", cfg.State.Path, err)
	} else if db, err := storage.OpenSQLite(context.Background(), cfg.State.Path); err != nil {
		dbCheck.Detail = err.Error()
	} else {
		open, err := alert.NewStore(db).CountOpen(context.Background())
		_ = db.Close()
		if err != nil {
			dbCheck.Detail = err.Error()
		} else {
			dbCheck.OK = true
			dbCheck.Detail = fmt.Sprintf("%s, %d open alerts", cfg.State.Path, open)
		}
	}
	report.Checks = append(report.Checks, dbCheck)

	lockPath := getPIDLockPath(cfg)
	lockCheck := statusCheck{Name: "pid_lock", OK: true}
	pl, err := lock.AcquirePIDLock(lockPath)
	switch {
	case err == nil:
		_ = pl.Release()
		_ = os.Remove(lockPath)
		lockCheck.Detail = "service not running"
	case errors.Is(err, lock.ErrLocked):
		report.Running = true
		lockCheck.Detail = "service running"
		if pid, perr := lock.HolderPID(lockPath); perr == nil {
			lockCheck.ActivePID = pid
		}
	default:
		lockCheck.OK = false
		lockCheck.Detail = err.Error()
	}
	report.Checks = append(report.Checks, lockCheck)

	report.Healthy = true
	for _, c := range report.Checks {
		report.Healthy = report.Healthy && c.OK
	}
	return report
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Service API URL")
	apiKey := fs.String("api-key", os.Getenv(apiKeyEnv), "API Bearer Token")
	user := fs.String("user", os.Getenv("USER"), "Name recorded on acknowledgements")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *user == "" {
		*user = "operator"
	}

	c := client.New(*apiURL, *apiKey, nil)
	if err := watch.Run(c, *user); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
