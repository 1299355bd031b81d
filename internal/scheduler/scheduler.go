// Package scheduler escalates unacknowledged alerts up the escalation matrix.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/escalation"
)

// DefaultTick is how often overdue alerts are checked.
const DefaultTick = 30 * time.Second

// Scheduler periodically escalates open alerts whose acknowledgement
// window has expired.
type Scheduler struct {
	store    AlertStore
	matrix   escalation.Matrix
	notifier alert.Notifier
	events   alert.Publisher
	logger   *slog.Logger
	tick     time.Duration
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler. A non-positive tick uses DefaultTick.
func New(store AlertStore, matrix escalation.Matrix, notifier alert.Notifier, events alert.Publisher, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		store:    store,
		matrix:   matrix,
		notifier: notifier,
		events:   events,
		logger:   logger.With("component", "scheduler"),
		tick:     tick,
		now:      func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
	}
}

// Start reports alerts that went overdue while the service was down and
// begins the tick loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting escalation scheduler", "tick", s.tick.String())

	overdue, err := s.store.DueForEscalation(ctx, s.now())
	if err != nil {
		return fmt.Errorf("escalation recovery failed: %w", err)
	}
	if len(overdue) > 0 {
		s.logger.Warn("Recovering overdue escalations", "count", len(overdue))
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop ends the tick loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping escalation scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.runTick(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runTick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// runTick escalates every alert that is due and returns how many moved.
func (s *Scheduler) runTick(ctx context.Context) int {
	due, err := s.store.DueForEscalation(ctx, s.now())
	if err != nil {
		s.logger.Error("Failed to load due escalations", "error", err)
		return 0
	}

	moved := 0
	for _, a := range due {
		if ctx.Err() != nil {
			break
		}
		if s.escalate(ctx, a) {
			moved++
		}
	}
	if moved > 0 {
		s.logger.Info("Escalation tick complete", "escalated", moved)
	}
	return moved
}

func (s *Scheduler) escalate(ctx context.Context, a *alert.Alert) bool {
	policy := s.matrix.Policy(a.Severity)
	current := escalation.Tier(a.EscalationLevel)
	// Tiers follow the schedule, not the tick, so tick latency does not accumulate.
	since := s.now()
	if a.NextEscalationAt != nil {
		since = *a.NextEscalationAt
	}

	next, due, ok := policy.Next(current, since)
	if !ok {
		// Already at the last tier; just clear the stale due time.
		if err := s.store.ScheduleEscalation(ctx, a.ID, a.EscalationLevel, nil, ""); err != nil && !errors.Is(err, alert.ErrAlreadyAcknowledged) {
			s.logger.Error("Failed to clear escalation", "alert_id", a.ID, "error", err)
		}
		return false
	}

	var nextDue *time.Time
	if _, _, more := policy.Next(next, since); more {
		nextDue = &due
	}

	roles := policy.Roles(next)
	detail := fmt.Sprintf("%s tier: %s", next, strings.Join(roles, ", "))
	if err := s.store.ScheduleEscalation(ctx, a.ID, int(next), nextDue, detail); err != nil {
		if errors.Is(err, alert.ErrAlreadyAcknowledged) {
			s.logger.Debug("Alert acknowledged before escalation", "alert_id", a.ID)
			return false
		}
		s.logger.Error("Failed to record escalation", "alert_id", a.ID, "error", err)
		return false
	}

	a.EscalationLevel = int(next)
	a.NextEscalationAt = nextDue

	s.logger.Warn("Alert escalated",
		"alert_id", a.ID,
		"patient_id", a.PatientID,
		"severity", a.Severity,
		"tier", next.String(),
		"roles", roles,
	)

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, a, next, roles); err != nil {
			s.logger.Error("Escalation notification incomplete", "alert_id", a.ID, "error", err)
		}
	}
	if s.events != nil {
		s.events.Publish(alert.EventAlertEscalated, a)
	}
	return true
}
