package webhook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/critvals/internal/notify"
)

// Validate checks a Config before the listener starts.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("webhook listen address is required")
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("webhook requires at least one endpoint")
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("webhook endpoint %q: path must start with /", ep.Path)
		}
		if seen[ep.Path] {
			return fmt.Errorf("webhook endpoint %q: duplicate path", ep.Path)
		}
		seen[ep.Path] = true
		if ep.Secret == "" {
			return fmt.Errorf("webhook endpoint %q: secret is required", ep.Path)
		}
		if ep.MaxBodySize < 0 {
			return fmt.Errorf("webhook endpoint %q: max_body_size must be positive", ep.Path)
		}
	}
	return nil
}

func (ep EndpointConfig) withDefaults() EndpointConfig {
	if ep.MaxBodySize == 0 {
		ep.MaxBodySize = DefaultMaxBodySize
	}
	if ep.SignatureHeader == "" {
		ep.SignatureHeader = notify.SignatureHeader
	}
	if ep.Source == "" {
		ep.Source = DefaultSource
	}
	return ep
}

// ParseMaxBodySize parses sizes like "512KB", "1MB" or "2048576" to bytes.
// An empty string yields DefaultMaxBodySize.
func ParseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		factor int64
	}{
		{"KB", 1 << 10},
		{"MB", 1 << 20},
		{"GB", 1 << 30},
	} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.factor
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
