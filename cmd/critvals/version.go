package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

// Set with -ldflags "-X main.version=...".
var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: critvals version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}
	fmt.Printf("critvals %s\ncommit: %s\nbuilt_at: %s\n", info.Version, info.Commit, info.BuildTime)
	return 0
}

// currentVersionInfo prefers ldflags values and falls back to the VCS
// stamps Go embeds in module builds.
func currentVersionInfo() versionInfo {
	info := versionInfo{Version: cmpOr(version, "0.0.0-dev"), Commit: "unknown", BuildTime: "unknown"}
	settings := buildSettings()

	if c := cmpOr(gitCommit, settings["vcs.revision"]); c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		info.Commit = c
	}
	if t, ok := normalizeBuildTimeUTC(cmpOr(buildDate, settings["vcs.time"])); ok {
		info.BuildTime = t
	}
	return info
}

// cmpOr returns the first value that is neither blank nor "unknown".
func cmpOr(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" && v != "unknown" {
			return v
		}
	}
	return ""
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func buildSettings() map[string]string {
	out := map[string]string{}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			out[s.Key] = s.Value
		}
	}
	return out
}
