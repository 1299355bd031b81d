package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/critvals/internal/notify"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ConfigDirEnv overrides config discovery.
const ConfigDirEnv = "CRITVALS_CONFIG_DIR"

// Load reads a config file (or a directory holding config.yaml), merges its
// includes, verifies checksums, applies defaults and validates the result.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFiles = make(map[string]*yaml.Node)
	recordSource(cfg, absPath)

	var includedPaths []string
	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
		for path := range visited {
			if path != absPath {
				includedPaths = append(includedPaths, path)
			}
		}
		sort.Strings(includedPaths)
	}

	cfg = applyConfigDefaults(cfg)

	allPaths := append([]string{absPath}, includedPaths...)
	if err := verifyLocked(allPaths); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigDir finds the config by checking standard locations.
// Priority order: $CRITVALS_CONFIG_DIR, ~/.config/critvals, /etc/critvals, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "critvals")
		if _, err := os.Stat(filepath.Join(userConfigDir, "config.yaml")); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/critvals"
	if _, err := os.Stat(filepath.Join(systemConfigDir, "config.yaml")); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/critvals, /etc/critvals, ./config.yaml)", ConfigDirEnv)
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files in the include tree.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := collectIncludes(cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func resolveInclude(i int, includePath, baseDir string) (string, error) {
	includePath = interpolateEnv(includePath)
	if !filepath.IsAbs(includePath) {
		includePath = filepath.Join(baseDir, includePath)
	}
	absPath, err := filepath.Abs(includePath)
	if err != nil {
		return "", fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
	}
	if _, err := os.Stat(absPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s\n"+
				"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
		}
		return "", fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
	}
	return absPath, nil
}

func collectIncludes(includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		absPath, err := resolveInclude(i, includePath, baseDir)
		if err != nil {
			return err
		}
		if visited[absPath] {
			continue
		}
		visited[absPath] = true

		partial, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		if len(partial.Include) > 0 {
			if err := collectIncludes(partial.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		absPath, err := resolveInclude(i, includePath, baseDir)
		if err != nil {
			return err
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		visited[absPath] = true

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		recordSource(cfg, absPath)

		deepMergeConfig(cfg, includedCfg)

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func recordSource(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err == nil {
		cfg.SourceFiles[path] = &node
	}
}

// loadConfigFile parses a single file without applying defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for non-zero values.
func deepMergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}
	if src.Service.TickInterval != 0 {
		dst.Service.TickInterval = src.Service.TickInterval
	}
	if src.Service.DedupeWindow != 0 {
		dst.Service.DedupeWindow = src.Service.DedupeWindow
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)

	mergeDashboard(&dst.Dashboard, src.Dashboard)

	dst.Thresholds.Ranges = append(dst.Thresholds.Ranges, src.Thresholds.Ranges...)
	for alias, test := range src.Thresholds.Aliases {
		if dst.Thresholds.Aliases == nil {
			dst.Thresholds.Aliases = make(map[string]string)
		}
		dst.Thresholds.Aliases[alias] = test
	}

	for sev, p := range src.Escalation.Policies {
		if dst.Escalation.Policies == nil {
			dst.Escalation.Policies = make(map[string]PolicyConfig)
		}
		dst.Escalation.Policies[sev] = p
	}

	if src.Notify.MaxAttempts != 0 {
		dst.Notify.MaxAttempts = src.Notify.MaxAttempts
	}
	if src.Notify.Backoff != 0 {
		dst.Notify.Backoff = src.Notify.Backoff
	}
	// contacts for a role are replaced wholesale so an include can re-staff a role
	for role, contacts := range src.Notify.Contacts {
		if dst.Notify.Contacts == nil {
			dst.Notify.Contacts = make(map[string][]notify.Contact)
		}
		dst.Notify.Contacts[role] = contacts
	}
	if src.Notify.Webhook != (WebhookConfig{}) {
		dst.Notify.Webhook = src.Notify.Webhook
	}
	if src.Notify.Email.From != "" {
		dst.Notify.Email = src.Notify.Email
	}
	if src.Notify.SMS != (SMSConfig{}) {
		dst.Notify.SMS = src.Notify.SMS
	}

	if src.Ingest.Kafka != nil {
		dst.Ingest.Kafka = src.Ingest.Kafka
	}
	if src.Ingest.SQS != nil {
		dst.Ingest.SQS = src.Ingest.SQS
	}
	if src.Ingest.Webhook != nil {
		dst.Ingest.Webhook = src.Ingest.Webhook
	}

	if src.AWS.Region != "" {
		dst.AWS.Region = src.AWS.Region
	}
	if src.AWS.Endpoint != "" {
		dst.AWS.Endpoint = src.AWS.Endpoint
	}
	if src.AWS.Profile != "" {
		dst.AWS.Profile = src.AWS.Profile
	}
}

func mergeDashboard(dst *DashboardConfig, src DashboardConfig) {
	if len(src.Command) > 0 {
		dst.Command = src.Command
	}
	if src.ExtraArgs != nil {
		dst.ExtraArgs = src.ExtraArgs
	}
	for k, v := range src.Env {
		if dst.Env == nil {
			dst.Env = make(map[string]string)
		}
		dst.Env[k] = v
	}
	if src.Prepare != nil {
		dst.Prepare = src.Prepare
	}
	if src.Dir != "" {
		dst.Dir = src.Dir
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.Address != "" {
		dst.Address = src.Address
	}
	if src.KillMatch != "" {
		dst.KillMatch = src.KillMatch
	}
	if src.GracePeriod != 0 {
		dst.GracePeriod = src.GracePeriod
	}
	if src.PortReleaseTimeout != 0 {
		dst.PortReleaseTimeout = src.PortReleaseTimeout
	}
	if src.PrepareTimeout != 0 {
		dst.PrepareTimeout = src.PrepareTimeout
	}
	if src.StartupTimeout != 0 {
		dst.StartupTimeout = src.StartupTimeout
	}
	if src.RestartDelay != 0 {
		dst.RestartDelay = src.RestartDelay
	}
	if src.StableAfter != 0 {
		dst.StableAfter = src.StableAfter
	}
	if src.MaxRestarts != nil {
		dst.MaxRestarts = src.MaxRestarts
	}
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.TickInterval == 0 {
		cfg.Service.TickInterval = defaults.Service.TickInterval
	}
	if cfg.Service.DedupeWindow == 0 {
		cfg.Service.DedupeWindow = defaults.Service.DedupeWindow
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	// defaults act as the base layer, the file wins
	dash := defaults.Dashboard
	mergeDashboard(&dash, cfg.Dashboard)
	cfg.Dashboard = dash

	if cfg.Notify.MaxAttempts == 0 {
		cfg.Notify.MaxAttempts = defaults.Notify.MaxAttempts
	}
	if cfg.Notify.Backoff == 0 {
		cfg.Notify.Backoff = defaults.Notify.Backoff
	}

	if k := cfg.Ingest.Kafka; k != nil && k.GroupID == "" {
		k.GroupID = cfg.Service.Name
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// validate rejects configuration the service cannot start with. Softer
// findings are reported by the doctor package.
func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}
	if cfg.Service.DedupeWindow < 0 {
		return fmt.Errorf("service.dedupe_window must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if strings.TrimSpace(cfg.State.Path) == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := unresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	for role, contacts := range cfg.Notify.Contacts {
		for i, c := range contacts {
			if err := unresolved(fmt.Sprintf("notify.contacts.%s[%d].secret", role, i), c.Secret); err != nil {
				return err
			}
		}
	}
	if err := unresolved("notify.webhook.secret", cfg.Notify.Webhook.Secret); err != nil {
		return err
	}

	if k := cfg.Ingest.Kafka; k != nil {
		if len(k.Brokers) == 0 || k.Topic == "" {
			return fmt.Errorf("ingest.kafka requires brokers and topic")
		}
	}
	if q := cfg.Ingest.SQS; q != nil && q.QueueName == "" && q.QueueURL == "" {
		return fmt.Errorf("ingest.sqs requires queue_name or queue_url")
	}
	if wh := cfg.Ingest.Webhook; wh != nil {
		for i, ep := range wh.Endpoints {
			if err := unresolved(fmt.Sprintf("ingest.webhook.endpoints[%d].secret", i), ep.Secret); err != nil {
				return err
			}
		}
		if _, err := cfg.WebhookIngestConfig(); err != nil {
			return fmt.Errorf("ingest.webhook: %w", err)
		}
	}
	return nil
}
