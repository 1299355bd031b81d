package config

import (
	"fmt"

	"github.com/mattjoyce/critvals/internal/auth"
	"github.com/mattjoyce/critvals/internal/cloud"
	"github.com/mattjoyce/critvals/internal/escalation"
	"github.com/mattjoyce/critvals/internal/ingest"
	"github.com/mattjoyce/critvals/internal/launcher"
	"github.com/mattjoyce/critvals/internal/notify"
	"github.com/mattjoyce/critvals/internal/thresholds"
	"github.com/mattjoyce/critvals/internal/webhook"
)

// ThresholdTable returns the built-in table with configured ranges and
// aliases applied on top.
func (c *Config) ThresholdTable() (*thresholds.Table, error) {
	table := thresholds.Default()
	for i, r := range c.Thresholds.Ranges {
		if err := table.Set(r); err != nil {
			return nil, fmt.Errorf("thresholds.ranges[%d]: %w", i, err)
		}
	}
	for alias, test := range c.Thresholds.Aliases {
		table.Alias(alias, test)
	}
	return table, nil
}

// EscalationMatrix returns the default matrix with configured policies
// replacing whole severities.
func (c *Config) EscalationMatrix() (escalation.Matrix, error) {
	m := escalation.DefaultMatrix()
	for name, p := range c.Escalation.Policies {
		sev, err := thresholds.ParseSeverity(name)
		if err != nil {
			return nil, fmt.Errorf("escalation.policies: %w", err)
		}
		m[sev] = escalation.Policy{
			Primary:   p.Primary,
			Secondary: p.Secondary,
			Final:     p.Final,
			After:     p.After,
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Config) Directory() notify.Directory {
	dir := make(notify.Directory, len(c.Notify.Contacts))
	for role, contacts := range c.Notify.Contacts {
		dir[role] = append([]notify.Contact(nil), contacts...)
	}
	return dir
}

func (c *Config) NotifyOptions() notify.Options {
	return notify.Options{MaxAttempts: c.Notify.MaxAttempts, Backoff: c.Notify.Backoff}
}

func (c *Config) WebhookOptions() notify.WebhookOptions {
	w := c.Notify.Webhook
	return notify.WebhookOptions{Secret: w.Secret, Timeout: w.Timeout, RateLimit: w.RateLimit, Burst: w.Burst}
}

// UsesChannel reports whether any contact is reached over channel.
func (c *Config) UsesChannel(channel string) bool {
	for _, contacts := range c.Notify.Contacts {
		for _, ct := range contacts {
			if ct.Channel == channel {
				return true
			}
		}
	}
	return false
}

// NeedsAWS reports whether any configured component talks to AWS.
func (c *Config) NeedsAWS() bool {
	return c.Notify.Email.From != "" || c.Notify.SMS.Enabled || c.Ingest.SQS != nil
}

func (c *Config) AWSSettings() cloud.Settings {
	return cloud.Settings{Region: c.AWS.Region, Endpoint: c.AWS.Endpoint, Profile: c.AWS.Profile}
}

func (c *Config) Tokens() []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(c.API.Auth.Tokens))
	for _, t := range c.API.Auth.Tokens {
		out = append(out, auth.TokenConfig{Name: t.Name, Token: t.Token, Scopes: t.Scopes})
	}
	return out
}

func (c *Config) KafkaConfig() (ingest.KafkaConfig, bool) {
	k := c.Ingest.Kafka
	if k == nil {
		return ingest.KafkaConfig{}, false
	}
	return ingest.KafkaConfig{Brokers: k.Brokers, Topic: k.Topic, GroupID: k.GroupID}, true
}

func (c *Config) SQSConfig() (ingest.SQSConfig, bool) {
	q := c.Ingest.SQS
	if q == nil {
		return ingest.SQSConfig{}, false
	}
	return ingest.SQSConfig{
		QueueName:   q.QueueName,
		QueueURL:    q.QueueURL,
		WaitSeconds: q.WaitSeconds,
		MaxMessages: q.MaxMessages,
	}, true
}

// WebhookIngestConfig converts the HTTP receiver section. It returns a
// zero Config when the section is absent.
func (c *Config) WebhookIngestConfig() (webhook.Config, error) {
	wh := c.Ingest.Webhook
	if wh == nil {
		return webhook.Config{}, nil
	}
	out := webhook.Config{Listen: wh.Listen, Endpoints: make([]webhook.EndpointConfig, 0, len(wh.Endpoints))}
	for _, ep := range wh.Endpoints {
		size, err := webhook.ParseMaxBodySize(ep.MaxBodySize)
		if err != nil {
			return webhook.Config{}, fmt.Errorf("endpoint %q: invalid max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
		}
		out.Endpoints = append(out.Endpoints, webhook.EndpointConfig{
			Path:            ep.Path,
			Source:          ep.Source,
			Secret:          ep.Secret,
			SignatureHeader: ep.SignatureHeader,
			MaxBodySize:     size,
		})
	}
	if err := out.Validate(); err != nil {
		return webhook.Config{}, err
	}
	return out, nil
}

// LauncherConfig maps the dashboard section onto the launcher. lockDir
// holds the per-port launch lock.
func (c *Config) LauncherConfig(lockDir string) launcher.Config {
	d := c.Dashboard
	lc := launcher.DefaultConfig()
	lc.Command = d.Command
	lc.ExtraArgs = d.ExtraArgs
	lc.Env = d.Env
	lc.Prepare = d.Prepare
	lc.Dir = d.Dir
	lc.Port = d.Port
	lc.Address = d.Address
	lc.KillMatch = d.KillMatch
	lc.GracePeriod = d.GracePeriod
	lc.PortReleaseTimeout = d.PortReleaseTimeout
	lc.PrepareTimeout = d.PrepareTimeout
	lc.StartupTimeout = d.StartupTimeout
	lc.RestartDelay = d.RestartDelay
	lc.StableAfter = d.StableAfter
	if d.MaxRestarts != nil {
		lc.MaxRestarts = *d.MaxRestarts
	}
	lc.LockDir = lockDir
	return lc
}
