package config

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/critvals/internal/notify"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

// Config represents the complete critvals configuration.
type Config struct {
	Include    []string         `yaml:"include,omitempty"`
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	API        APIConfig        `yaml:"api"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Thresholds ThresholdsConfig `yaml:"thresholds,omitempty"`
	Escalation EscalationConfig `yaml:"escalation,omitempty"`
	Notify     NotifyConfig     `yaml:"notify"`
	Ingest     IngestConfig     `yaml:"ingest,omitempty"`
	AWS        AWSConfig        `yaml:"aws,omitempty"`

	// SourceFiles maps every loaded file to its parsed YAML tree.
	SourceFiles map[string]*yaml.Node `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// LogFormat is json (default) or text.
	LogFormat string `yaml:"log_format"`
	// TickInterval is how often the escalation scheduler looks for due alerts.
	TickInterval time.Duration `yaml:"tick_interval"`
	// DedupeWindow suppresses repeats of the same patient/test/severity.
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a named bearer token and its scopes.
type APIToken struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// DashboardConfig drives `critvals dashboard launch`.
type DashboardConfig struct {
	Command            []string          `yaml:"command,omitempty"`
	ExtraArgs          []string          `yaml:"extra_args,omitempty"`
	Env                map[string]string `yaml:"env,omitempty"`
	Prepare            []string          `yaml:"prepare,omitempty"`
	Dir                string            `yaml:"dir,omitempty"`
	Port               int               `yaml:"port"`
	Address            string            `yaml:"address"`
	KillMatch          string            `yaml:"kill_match,omitempty"`
	GracePeriod        time.Duration     `yaml:"grace_period"`
	PortReleaseTimeout time.Duration     `yaml:"port_release_timeout"`
	PrepareTimeout     time.Duration     `yaml:"prepare_timeout"`
	StartupTimeout     time.Duration     `yaml:"startup_timeout"`
	RestartDelay       time.Duration     `yaml:"restart_delay"`
	StableAfter        time.Duration     `yaml:"stable_after"`
	// MaxRestarts is a pointer so an explicit 0 (never restart) survives defaults.
	MaxRestarts *int `yaml:"max_restarts,omitempty"`
}

// ThresholdsConfig overrides or extends the built-in reference ranges.
type ThresholdsConfig struct {
	Ranges  []thresholds.Range `yaml:"ranges,omitempty"`
	Aliases map[string]string  `yaml:"aliases,omitempty"`
}

// EscalationConfig overrides the per-severity escalation ladders.
type EscalationConfig struct {
	Policies map[string]PolicyConfig `yaml:"policies,omitempty"`
}

// PolicyConfig is one severity's ladder.
type PolicyConfig struct {
	Primary   []string      `yaml:"primary"`
	Secondary []string      `yaml:"secondary"`
	Final     []string      `yaml:"final"`
	After     time.Duration `yaml:"after"`
}

// NotifyConfig defines who is paged and over which transports.
type NotifyConfig struct {
	MaxAttempts int                         `yaml:"max_attempts"`
	Backoff     time.Duration               `yaml:"backoff"`
	Contacts    map[string][]notify.Contact `yaml:"contacts,omitempty"`
	Webhook     WebhookConfig               `yaml:"webhook,omitempty"`
	Email       EmailConfig                 `yaml:"email,omitempty"`
	SMS         SMSConfig                   `yaml:"sms,omitempty"`
}

// WebhookConfig configures the signed webhook channel.
type WebhookConfig struct {
	Secret    string        `yaml:"secret,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	RateLimit float64       `yaml:"rate_limit,omitempty"`
	Burst     int           `yaml:"burst,omitempty"`
}

// EmailConfig enables the SES email channel when From is set.
type EmailConfig struct {
	From string `yaml:"from,omitempty"`
}

// SMSConfig configures the SNS SMS channel.
type SMSConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	SenderID string `yaml:"sender_id,omitempty"`
}

// IngestConfig lists result feeds. Nil sections are disabled.
type IngestConfig struct {
	Kafka   *KafkaConfig   `yaml:"kafka,omitempty"`
	SQS     *SQSConfig     `yaml:"sqs,omitempty"`
	Webhook *WebhookIngest `yaml:"webhook,omitempty"`
}

// WebhookIngest is the signed HTTP receiver for LIS pushes.
type WebhookIngest struct {
	Listen    string                  `yaml:"listen"`
	Endpoints []WebhookIngestEndpoint `yaml:"endpoints"`
}

type WebhookIngestEndpoint struct {
	Path            string `yaml:"path"`
	Source          string `yaml:"source,omitempty"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
	MaxBodySize     string `yaml:"max_body_size,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id,omitempty"`
}

type SQSConfig struct {
	QueueName   string `yaml:"queue_name,omitempty"`
	QueueURL    string `yaml:"queue_url,omitempty"`
	WaitSeconds int32  `yaml:"wait_seconds,omitempty"`
	MaxMessages int32  `yaml:"max_messages,omitempty"`
}

// AWSConfig is shared by the SES, SNS and SQS clients.
type AWSConfig struct {
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Profile  string `yaml:"profile,omitempty"`
}

// Defaults returns a Config with every default filled in.
func Defaults() *Config {
	maxRestarts := 5
	return &Config{
		Service: ServiceConfig{
			Name:         "critvals",
			LogLevel:     "info",
			LogFormat:    "json",
			TickInterval: 30 * time.Second,
			DedupeWindow: 10 * time.Minute,
		},
		State: StateConfig{
			Path: "./data/critvals.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Dashboard: DashboardConfig{
			Command:            []string{"python3", "-m", "streamlit", "run", "app.py"},
			Prepare:            []string{"python3", "-m", "pip", "install", "--quiet", "watchdog"},
			Port:               8501,
			Address:            "0.0.0.0",
			GracePeriod:        5 * time.Second,
			PortReleaseTimeout: 10 * time.Second,
			PrepareTimeout:     2 * time.Minute,
			StartupTimeout:     3 * time.Second,
			RestartDelay:       2 * time.Second,
			StableAfter:        5 * time.Minute,
			MaxRestarts:        &maxRestarts,
		},
		Notify: NotifyConfig{
			MaxAttempts: 3,
			Backoff:     time.Second,
		},
	}
}
