package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/api"
	"github.com/mattjoyce/critvals/internal/escalation"
	"github.com/mattjoyce/critvals/internal/lock"
	"github.com/mattjoyce/critvals/internal/log"
	"github.com/mattjoyce/critvals/internal/storage"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	// drain concurrently so large outputs cannot fill the pipe buffer
	stdoutCh := make(chan []byte)
	stderrCh := make(chan []byte)
	go func() { b, _ := io.ReadAll(stdoutR); stdoutCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); stderrCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-stdoutCh
	stderrBytes := <-stderrCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// writeTestConfig writes a config.yaml whose state lives under dir and
// returns its path.
func writeTestConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	configPath := filepath.Join(dir, "config.yaml")
	body := "service:\n  log_level: info\nstate:\n  path: " + filepath.Join(dir, "state", "critvals.db") + "\n" + extra
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

// seedAlert opens the configured state database and raises one alert.
func seedAlert(t *testing.T, dbPath string, r alert.LabResult) *alert.Alert {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	svc := alert.NewService(alert.NewStore(db), thresholds.Default(), escalation.DefaultMatrix(), nil, nil, log.Discard())
	a, err := svc.Ingest(context.Background(), r)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if a == nil {
		t.Fatalf("expected %s=%v to raise an alert", r.Test, r.Value)
	}
	return a
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-10-01T12:30:00+02:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	if code != 0 {
		t.Fatalf("runCLI(--version) code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "critvals 1.2.3") {
		t.Fatalf("stdout missing version: %s", stdout)
	}
	if !strings.Contains(stdout, "commit: 0123456789ab\n") {
		t.Fatalf("stdout missing shortened commit: %s", stdout)
	}
	if !strings.Contains(stdout, "built_at: 2026-10-01T10:30:00Z") {
		t.Fatalf("stdout missing UTC build time: %s", stdout)
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc123", "not-a-time")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion(--json) code = %d, stderr: %s", code, stderr)
	}

	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if info.Version != "1.2.3" || info.Commit != "abc123" || info.BuildTime != "unknown" {
		t.Fatalf("unexpected version info: %+v", info)
	}
}

func TestRunVersionRejectsArguments(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"extra"})
	})
	if code != 1 || !strings.Contains(stderr, "Usage: critvals version") {
		t.Fatalf("code = %d, stderr = %s", code, stderr)
	}
}

func TestNounActionHelp(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"dashboard", "launch", "--help"}, "Usage: critvals dashboard launch"},
		{[]string{"system", "start", "-h"}, "Usage: critvals system start"},
		{[]string{"system", "status", "--help"}, "Usage: critvals system status"},
		{[]string{"system", "watch", "--help"}, "Usage: critvals system watch"},
		{[]string{"result", "check", "--help"}, "Usage: critvals result check"},
		{[]string{"result", "simulate", "--help"}, "Usage: critvals result simulate"},
		{[]string{"alert", "list", "--help"}, "Usage: critvals alert list"},
		{[]string{"alert", "ack", "--help"}, "Usage: critvals alert ack"},
		{[]string{"alert", "inspect", "--help"}, "Usage: critvals alert inspect"},
		{[]string{"config", "check", "--help"}, "Usage: critvals config check"},
		{[]string{"config", "lock", "--help"}, "Usage: critvals config lock"},
		{[]string{"config", "show", "--help"}, "Usage: critvals config show"},
		{[]string{"alert", "help"}, "Actions: list, ack"},
		{[]string{"config", "help"}, "Actions: check, lock, show"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, "_"), func(t *testing.T) {
			code, stdout, stderr := captureOutputWithExitCode(t, func() int {
				return runCLI(tt.args)
			})
			if code != 0 {
				t.Fatalf("code = %d, stderr: %s", code, stderr)
			}
			if !strings.Contains(stdout, tt.want) {
				t.Fatalf("stdout missing %q: %s", tt.want, stdout)
			}
		})
	}
}

func TestUnknownCommandsFail(t *testing.T) {
	for _, args := range [][]string{{"bogus"}, {"system", "bogus"}, {"alert"}, {"result", "bogus"}} {
		code, _, _ := captureOutputWithExitCode(t, func() int {
			return runCLI(args)
		})
		if code != 1 {
			t.Fatalf("runCLI(%v) code = %d, want 1", args, code)
		}
	}
}

func TestPrintUsageUsesActionTerminology(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"help"})
	})
	if code != 0 {
		t.Fatalf("help code = %d", code)
	}
	for _, want := range []string{"dashboard launch", "system start", "result simulate", "alert ack <id>", "config lock"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("usage missing %q:\n%s", want, stdout)
		}
	}
}

func TestParseInterleaved(t *testing.T) {
	fs := flag.NewFlagSet("t", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "")
	cfg := fs.String("config", "", "")

	positional, err := parseInterleaved(fs, []string{"potassium", "--json", "6.8", "--config", "x.yaml"})
	if err != nil {
		t.Fatalf("parseInterleaved: %v", err)
	}
	if len(positional) != 2 || positional[0] != "potassium" || positional[1] != "6.8" {
		t.Fatalf("positional = %v", positional)
	}
	if !*jsonOut || *cfg != "x.yaml" {
		t.Fatalf("flags not parsed: json=%v config=%q", *jsonOut, *cfg)
	}
}

func TestGetPIDLockPath(t *testing.T) {
	cfg, err := loadConfigForTool(writeTestConfig(t, t.TempDir(), ""))
	if err != nil {
		t.Fatal(err)
	}
	got := getPIDLockPath(cfg)
	if filepath.Base(got) != "critvals.pid" || filepath.Dir(got) != filepath.Dir(cfg.State.Path) {
		t.Fatalf("getPIDLockPath() = %s", got)
	}
}

func TestRunConfigLockVerboseDryRun(t *testing.T) {
	configPath := writeTestConfig(t, t.TempDir(), "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", configPath, "-v", "--dry-run"})
	})
	if code != 0 {
		t.Fatalf("runConfigLock() code = %d, stderr: %s", code, stderr)
	}
	if !regexp.MustCompile(`HASH config\.yaml: [a-f0-9]{64}`).MatchString(stdout) {
		t.Fatalf("stdout missing hash line: %s", stdout)
	}
	if !strings.Contains(stdout, "DRY-RUN .checksums:") || !strings.Contains(stdout, "Dry run completed") {
		t.Fatalf("stdout missing dry-run output: %s", stdout)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(configPath), ".checksums")); !os.IsNotExist(err) {
		t.Fatalf("dry run wrote .checksums (stat err = %v)", err)
	}
}

func TestRunConfigLockThenTamperFailsCheck(t *testing.T) {
	configPath := writeTestConfig(t, t.TempDir(), "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runConfigLock() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Successfully locked configuration in 1 directory/ies") {
		t.Fatalf("unexpected lock output: %s", stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("config check after lock code = %d, stderr: %s", code, stderr)
	}

	f, err := os.OpenFile(configPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("# edited\n")
	_ = f.Close()

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "config verification failed") {
		t.Fatalf("tampered config: code = %d, stderr: %s", code, stderr)
	}
}

func TestRunConfigCheckFormatsAndStrict(t *testing.T) {
	configPath := writeTestConfig(t, t.TempDir(), "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("config check code = %d, stderr: %s", code, stderr)
	}
	var result struct {
		Valid    bool `json:"valid"`
		Warnings []struct {
			Category string `json:"category"`
		} `json:"warnings"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if !result.Valid || len(result.Warnings) == 0 {
		t.Fatalf("expected a valid config with warnings (no contacts): %s", stdout)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath, "--strict"})
	})
	if code != 2 {
		t.Fatalf("--strict with warnings code = %d, want 2", code)
	}
}

func TestRunConfigCheckReportsErrors(t *testing.T) {
	configPath := writeTestConfig(t, t.TempDir(), `notify:
  contacts:
    attending_physician:
      - name: Dr. Pager
        channel: carrier_pigeon
        address: roof
`)
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 1 {
		t.Fatalf("config check code = %d, want 1; stdout: %s stderr: %s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "carrier_pigeon") {
		t.Fatalf("human output should name the unknown channel: %s", stdout)
	}
}

func TestRunConfigShowRedactsAndSelects(t *testing.T) {
	configPath := writeTestConfig(t, t.TempDir(), `api:
  enabled: true
  auth:
    api_key: super-secret
dashboard:
  port: 9000
`)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"dashboard.port", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("config show code = %d, stderr: %s", code, stderr)
	}
	if strings.TrimSpace(stdout) != "9000" {
		t.Fatalf("config show dashboard.port = %q", stdout)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("config show --json code = %d, stderr: %s", code, stderr)
	}
	if strings.Contains(stdout, "super-secret") || !strings.Contains(stdout, "********") {
		t.Fatalf("api key not redacted: %s", stdout)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"dashboard.nope", "--config", configPath})
	})
	if code != 1 {
		t.Fatalf("unknown path code = %d, want 1", code)
	}
}

func TestRunDashboardLaunchDryRun(t *testing.T) {
	configPath := writeTestConfig(t, t.TempDir(), `dashboard:
  kill_match: streamlit
`)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runDashboardLaunch([]string{"--config", configPath, "--port", "9123", "--dry-run"})
	})
	if code != 0 {
		t.Fatalf("dry run code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{
		"argv: python3 -m streamlit run app.py --server.port 9123 --server.address 0.0.0.0",
		"STREAMLIT_SERVER_PORT=9123",
		"STREAMLIT_SERVER_HEADLESS=true",
		"prepare: python3 -m pip install --quiet watchdog",
		`occupants matching "streamlit" only`,
	} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("dry run output missing %q:\n%s", want, stdout)
		}
	}
}

func TestRunDashboardLaunchDryRunIsDeterministic(t *testing.T) {
	configPath := writeTestConfig(t, t.TempDir(), "")
	run := func() string {
		_, stdout, _ := captureOutputWithExitCode(t, func() int {
			return runDashboardLaunch([]string{"--config", configPath, "--dry-run"})
		})
		return stdout
	}
	if first, second := run(), run(); first != second {
		t.Fatalf("dry run output differs:\n%s\n---\n%s", first, second)
	}
}

func TestRunDashboardLaunchRejectsBadPort(t *testing.T) {
	configPath := writeTestConfig(t, t.TempDir(), "")
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runDashboardLaunch([]string{"--config", configPath, "--port", "70000", "--dry-run"})
	})
	if code != 1 || !strings.Contains(stderr, "out of range") {
		t.Fatalf("code = %d, stderr = %s", code, stderr)
	}
}

func TestRunResultCheck(t *testing.T) {
	configPath := writeTestConfig(t, t.TempDir(), "")

	tests := []struct {
		name      string
		args      []string
		wantAlert bool
		wantKnown bool
		wantSev   thresholds.Severity
	}{
		{"critical high", []string{"potassium", "6.8"}, true, true, thresholds.SeverityHigh},
		{"panic high via alias", []string{"k", "7.4"}, true, true, thresholds.SeverityCritical},
		{"inside limits", []string{"potassium", "4.1"}, false, true, ""},
		{"bound is not an alert", []string{"potassium", "6.5"}, false, true, ""},
		{"unknown test", []string{"unobtainium", "1"}, false, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(append([]string{}, tt.args...), "--json", "--config", configPath)
			code, stdout, stderr := captureOutputWithExitCode(t, func() int {
				return runResultCheck(args)
			})
			if code != 0 {
				t.Fatalf("code = %d, stderr: %s", code, stderr)
			}
			var out checkOutput
			if err := json.Unmarshal([]byte(stdout), &out); err != nil {
				t.Fatalf("invalid JSON: %v\n%s", err, stdout)
			}
			if out.Alert != tt.wantAlert || out.Known != tt.wantKnown {
				t.Fatalf("alert=%v known=%v, want %v %v", out.Alert, out.Known, tt.wantAlert, tt.wantKnown)
			}
			if tt.wantAlert && out.Finding.Severity != tt.wantSev {
				t.Fatalf("severity = %s, want %s", out.Finding.Severity, tt.wantSev)
			}
		})
	}
}

func TestRunResultCheckRejectsBadInput(t *testing.T) {
	configPath := writeTestConfig(t, t.TempDir(), "")
	for _, args := range [][]string{
		{"potassium"},
		{"potassium", "high"},
		{"potassium", "NaN"},
	} {
		code, _, _ := captureOutputWithExitCode(t, func() int {
			return runResultCheck(append(args, "--config", configPath))
		})
		if code != 1 {
			t.Fatalf("runResultCheck(%v) code = %d, want 1", args, code)
		}
	}
}

func TestRunResultSimulateDemoInProcess(t *testing.T) {
	configPath := writeTestConfig(t, t.TempDir(), "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runResultSimulate([]string{"--demo", "--json", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("simulate code = %d, stderr: %s", code, stderr)
	}
	var summary simulationSummary
	if err := json.Unmarshal([]byte(stdout), &summary); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if summary.Submitted != 5 || summary.Alerts != 5 {
		t.Fatalf("demo summary = %+v", summary)
	}
	if summary.Metrics == nil || summary.Metrics.Total != 5 || summary.Metrics.Open != 5 {
		t.Fatalf("demo metrics = %+v", summary.Metrics)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(configPath), "state")); !os.IsNotExist(err) {
		t.Fatalf("in-process simulation touched the state directory (stat err = %v)", err)
	}
}

func TestRunResultSimulateGeneratedIsAccounted(t *testing.T) {
	configPath := writeTestConfig(t, t.TempDir(), "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runResultSimulate([]string{"--count", "40", "--seed", "11", "--json", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("simulate code = %d, stderr: %s", code, stderr)
	}
	var summary simulationSummary
	if err := json.Unmarshal([]byte(stdout), &summary); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if summary.Submitted < 40 {
		t.Fatalf("expected at least one result per patient, got %d", summary.Submitted)
	}
	if got := summary.Alerts + summary.Duplicates + summary.Normal + summary.Rejected; got != summary.Submitted {
		t.Fatalf("outcomes %d do not account for %d submitted", got, summary.Submitted)
	}
	bands := 0
	for _, n := range summary.Bands {
		bands += n
	}
	if bands != summary.Submitted {
		t.Fatalf("bands %v do not add up to %d", summary.Bands, summary.Submitted)
	}
	if summary.Metrics.Total != summary.Alerts {
		t.Fatalf("metrics total %d != alerts %d", summary.Metrics.Total, summary.Alerts)
	}
}

func TestRunResultSimulatePostsToServer(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), storage.MemoryPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()
	svc := alert.NewService(alert.NewStore(db), thresholds.Default(), escalation.DefaultMatrix(), nil, nil, log.Discard())
	srv := httptest.NewServer(api.New(api.Config{APIKey: "k"}, svc, nil, log.Discard()).Handler())
	defer srv.Close()

	configPath := writeTestConfig(t, t.TempDir(), "")
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runResultSimulate([]string{"--demo", "--url", srv.URL, "--api-key", "k", "--json", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("simulate code = %d, stderr: %s", code, stderr)
	}
	var summary simulationSummary
	if err := json.Unmarshal([]byte(stdout), &summary); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if summary.Alerts != 5 || summary.Metrics == nil || summary.Metrics.Total != 5 {
		t.Fatalf("server summary = %+v", summary)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runResultSimulate([]string{"--demo", "--url", srv.URL, "--api-key", "wrong", "--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "401") {
		t.Fatalf("bad key code = %d, stderr: %s", code, stderr)
	}
}

func TestRunAlertListAndAck(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, "")
	dbPath := filepath.Join(dir, "state", "critvals.db")
	a := seedAlert(t, dbPath, alert.LabResult{PatientID: "P001", Test: "potassium", Value: 6.8, Unit: "mEq/L"})
	seedAlert(t, dbPath, alert.LabResult{PatientID: "P002", Test: "glucose", Value: 25})

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runAlertList([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("alert list code = %d, stderr: %s", code, stderr)
	}
	var listed struct {
		Alerts []*alert.Alert `json:"alerts"`
		Count  int            `json:"count"`
	}
	if err := json.Unmarshal([]byte(stdout), &listed); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if listed.Count != 2 {
		t.Fatalf("listed %d alerts, want 2", listed.Count)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runAlertList([]string{"--config", configPath, "--severity", "critical"})
	})
	if code != 0 || !strings.Contains(stdout, "P002") || strings.Contains(stdout, "P001") {
		t.Fatalf("severity filter: code = %d\n%s", code, stdout)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runAlertAck([]string{a.ID, "--by", "dr.smith", "--note", "repeat draw ordered", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("alert ack code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Acknowledged "+a.ID) || !strings.Contains(stdout, "by dr.smith") {
		t.Fatalf("unexpected ack output: %s", stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runAlertAck([]string{a.ID, "--by", "dr.smith", "--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "already acknowledged") {
		t.Fatalf("second ack code = %d, stderr: %s", code, stderr)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runAlertAck([]string{"missing-id", "--by", "dr.smith", "--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "no alert with id") {
		t.Fatalf("missing ack code = %d, stderr: %s", code, stderr)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runAlertList([]string{"--config", configPath, "--status", "open", "--json"})
	})
	if err := json.Unmarshal([]byte(stdout), &listed); err != nil || code != 0 {
		t.Fatalf("open list: code = %d err = %v", code, err)
	}
	if listed.Count != 1 || listed.Alerts[0].PatientID != "P002" {
		t.Fatalf("open alerts after ack = %+v", listed.Alerts)
	}
}

func TestRunAlertInspect(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, "")
	dbPath := filepath.Join(dir, "state", "critvals.db")
	a := seedAlert(t, dbPath, alert.LabResult{PatientID: "P001", Test: "potassium", Value: 7.4, Unit: "mmol/L"})

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runAlertAck([]string{a.ID, "--by", "dr.smith", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("alert ack code = %d, stderr: %s", code, stderr)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runAlertInspect([]string{a.ID, "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("alert inspect code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"Alert ID     : " + a.ID, "Status       : acknowledged", "Timeline", "created", "acknowledged"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, stdout)
		}
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runAlertInspect([]string{"--json", "--config", configPath, a.ID})
	})
	var report struct {
		Alert    *alert.Alert `json:"alert"`
		Timeline []struct {
			Action string `json:"action"`
		} `json:"timeline"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil || code != 0 {
		t.Fatalf("inspect --json: code = %d err = %v\n%s", code, err, stdout)
	}
	if report.Alert.ID != a.ID || len(report.Timeline) != 2 {
		t.Fatalf("report = %+v", report)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runAlertInspect([]string{"missing-id", "--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "no alert with id missing-id") {
		t.Fatalf("missing inspect code = %d, stderr: %s", code, stderr)
	}
}

func TestRunAlertCommandsNeedExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, "")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runAlertList([]string{"--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "state database") {
		t.Fatalf("code = %d, stderr = %s", code, stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, "state", "critvals.db")); !os.IsNotExist(err) {
		t.Fatalf("alert list created the database (stat err = %v)", err)
	}
}

func TestRunSystemStatusJSONHealthy(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, "")
	seedAlert(t, filepath.Join(dir, "state", "critvals.db"), alert.LabResult{PatientID: "P001", Test: "ph", Value: 7.1})

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runSystemStatus() code = %d, stderr: %s stdout: %s", code, stderr, stdout)
	}

	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("failed to parse JSON status output: %v\noutput=%s", err, stdout)
	}
	if !report.Healthy || report.Running {
		t.Fatalf("expected healthy idle service; output=%s", stdout)
	}
	if len(report.Checks) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(report.Checks))
	}
	if !strings.Contains(report.Checks[1].Detail, "1 open alerts") {
		t.Fatalf("state_db detail = %q", report.Checks[1].Detail)
	}
	if _, err := os.Stat(filepath.Join(dir, "state", "critvals.pid")); !os.IsNotExist(err) {
		t.Fatalf("status left a lock file behind (stat err = %v)", err)
	}
}

func TestRunSystemStatusConfigLoadFailure(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath})
	})
	if code == 0 {
		t.Fatalf("runSystemStatus() should fail for invalid config; stdout=%s", stdout)
	}
	for _, want := range []string{"config_load: FAIL", "state_db: FAIL", "pid_lock: FAIL", "Status: unhealthy"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in output; stdout=%s", want, stdout)
		}
	}
}

func TestRunSystemStatusMissingDatabase(t *testing.T) {
	configPath := writeTestConfig(t, t.TempDir(), "")
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath})
	})
	if code != 1 || !strings.Contains(stdout, "state_db: FAIL") {
		t.Fatalf("code = %d, stdout = %s", code, stdout)
	}
}

func TestRunSystemStatusDetectsRunningService(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, "")
	seedAlert(t, filepath.Join(dir, "state", "critvals.db"), alert.LabResult{PatientID: "P001", Test: "ph", Value: 7.1})

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		t.Fatalf("loadConfigForTool: %v", err)
	}
	held, err := lock.AcquirePIDLock(getPIDLockPath(cfg))
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	defer held.Release()

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runSystemStatus() code = %d, stderr=%s stdout=%s", code, stderr, stdout)
	}

	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("failed to parse JSON status output: %v\noutput=%s", err, stdout)
	}
	if !report.Running {
		t.Fatalf("expected running=true while the lock is held; output=%s", stdout)
	}
	pidCheck := report.Checks[2]
	if pidCheck.Name != "pid_lock" || pidCheck.ActivePID != os.Getpid() {
		t.Fatalf("pid_lock check = %+v, want active_pid %d", pidCheck, os.Getpid())
	}
}

func TestNormalizeBuildTimeUTC(t *testing.T) {
	got, ok := normalizeBuildTimeUTC(time.Date(2026, 3, 1, 8, 0, 0, 0, time.FixedZone("x", 3600)).Format(time.RFC3339))
	if !ok || got != "2026-03-01T07:00:00Z" {
		t.Fatalf("normalizeBuildTimeUTC() = %q, %v", got, ok)
	}
	if _, ok := normalizeBuildTimeUTC("unknown"); ok {
		t.Fatal("unknown should not normalize")
	}
}
