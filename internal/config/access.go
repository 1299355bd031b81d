package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/critvals/internal/notify"
)

const redacted = "********"

// GetPath retrieves a value from the configuration using a dot-notation
// path such as "dashboard.port". An empty path returns the whole config.
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}
	return current, nil
}

// Redacted returns a copy safe to print: tokens and secrets are masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.SourceFiles = nil

	if out.API.Auth.APIKey != "" {
		out.API.Auth.APIKey = redacted
	}
	if len(c.API.Auth.Tokens) > 0 {
		out.API.Auth.Tokens = make([]APIToken, len(c.API.Auth.Tokens))
		for i, tok := range c.API.Auth.Tokens {
			out.API.Auth.Tokens[i] = APIToken{Name: tok.Name, Token: redacted, Scopes: tok.Scopes}
		}
	}
	if out.Notify.Webhook.Secret != "" {
		out.Notify.Webhook.Secret = redacted
	}
	if c.Notify.Contacts != nil {
		out.Notify.Contacts = make(map[string][]notify.Contact, len(c.Notify.Contacts))
		for role, contacts := range c.Notify.Contacts {
			masked := make([]notify.Contact, len(contacts))
			copy(masked, contacts)
			for i := range masked {
				if masked[i].Secret != "" {
					masked[i].Secret = redacted
				}
			}
			out.Notify.Contacts[role] = masked
		}
	}
	if wh := c.Ingest.Webhook; wh != nil {
		masked := *wh
		masked.Endpoints = make([]WebhookIngestEndpoint, len(wh.Endpoints))
		copy(masked.Endpoints, wh.Endpoints)
		for i := range masked.Endpoints {
			if masked.Endpoints[i].Secret != "" {
				masked.Endpoints[i].Secret = redacted
			}
		}
		out.Ingest.Webhook = &masked
	}
	return &out
}
