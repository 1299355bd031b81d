package notify

import (
	"context"
	"log/slog"
)

// LogChannel writes pages to the structured log. It never fails and is the
// fallback when no external transport is configured.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With("component", "notify.log")}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(_ context.Context, c Contact, m Message) error {
	l.logger.Warn(m.Subject,
		"alert_id", m.AlertID,
		"severity", m.Severity,
		"tier", m.Tier,
		"role", m.Role,
		"contact", c.Name,
		"address", c.Address,
	)
	return nil
}
