package launcher

import (
	"sort"
	"strconv"
	"strings"
)

// Invocation is the fully resolved child process description.
type Invocation struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Argv returns Path followed by Args.
func (inv Invocation) Argv() []string {
	return append([]string{inv.Path}, inv.Args...)
}

// serverFlags are the dashboard flags passed on every launch.
func serverFlags(cfg Config) []string {
	return []string{
		"--server.port", strconv.Itoa(cfg.Port),
		"--server.address", cfg.Address,
		"--server.headless", "true",
		"--browser.gatherUsageStats", "false",
		"--server.runOnSave", "true",
		"--server.allowRunOnSave", "true",
		"--server.fileWatcherType", "auto",
		"--server.enableCORS", "false",
		"--server.enableXsrfProtection", "false",
	}
}

// FixedEnv returns the variables every child receives, before Config.Env
// overrides.
func FixedEnv(cfg Config) map[string]string {
	return map[string]string{
		"STREAMLIT_SERVER_HEADLESS":            "true",
		"STREAMLIT_SERVER_PORT":                strconv.Itoa(cfg.Port),
		"STREAMLIT_SERVER_ADDRESS":             cfg.Address,
		"STREAMLIT_BROWSER_GATHER_USAGE_STATS": "false",
		"STREAMLIT_SERVER_RUN_ON_SAVE":         "true",
		"STREAMLIT_SERVER_FILE_WATCHER_TYPE":   "auto",
	}
}

// BuildInvocation derives the child argv and environment. It has no side
// effects: equal inputs give equal outputs. Parent variables that the launch
// sets are replaced, the rest keep their order, and launch variables follow
// in sorted order.
func BuildInvocation(cfg Config, parentEnv []string) Invocation {
	args := make([]string, 0, len(cfg.Command)+len(cfg.ExtraArgs)+18)
	args = append(args, cfg.Command[1:]...)
	args = append(args, serverFlags(cfg)...)
	args = append(args, cfg.ExtraArgs...)

	set := FixedEnv(cfg)
	for k, v := range cfg.Env {
		set[k] = v
	}

	env := make([]string, 0, len(parentEnv)+len(set))
	for _, kv := range parentEnv {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := set[key]; overridden {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+set[k])
	}

	return Invocation{
		Path: cfg.Command[0],
		Args: args,
		Env:  env,
		Dir:  cfg.Dir,
	}
}
