package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/escalation"
)

// Recorder persists delivery outcomes. *alert.Store satisfies it.
type Recorder interface {
	RecordNotification(ctx context.Context, n alert.Notification) error
}

// Options tunes retry behaviour.
type Options struct {
	MaxAttempts int
	Backoff     time.Duration
	// Parallel bounds concurrent sends for one page.
	Parallel int
}

// Dispatcher resolves roles to contacts and sends on each contact's channel.
type Dispatcher struct {
	dir      Directory
	channels map[string]Channel
	recorder Recorder
	logger   *slog.Logger
	opts     Options
}

func NewDispatcher(dir Directory, recorder Recorder, logger *slog.Logger, opts Options, channels ...Channel) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 8
	}
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return &Dispatcher{
		dir:      dir,
		channels: byName,
		recorder: recorder,
		logger:   logger.With("component", "notify"),
		opts:     opts,
	}
}

// Channels lists the registered channel names.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.channels))
	for name := range d.channels {
		out = append(out, name)
	}
	return out
}

type delivery struct {
	role    string
	contact Contact
}

// Notify pages every contact behind roles. A contact reachable through
// several roles is paged once. Failures are collected and returned together
// after every contact has been tried.
func (d *Dispatcher) Notify(ctx context.Context, a *alert.Alert, tier escalation.Tier, roles []string) error {
	var deliveries []delivery
	seen := map[string]struct{}{}
	for _, role := range roles {
		contacts := d.dir[role]
		if len(contacts) == 0 {
			d.logger.Warn("no contacts configured for role", "role", role, "alert_id", a.ID, "tier", tier.String())
			continue
		}
		for _, c := range contacts {
			if _, dup := seen[c.key()]; dup {
				continue
			}
			seen[c.key()] = struct{}{}
			deliveries = append(deliveries, delivery{role: role, contact: c})
		}
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(d.opts.Parallel)
	for _, dl := range deliveries {
		g.Go(func() error {
			if err := d.deliver(ctx, a, tier, dl); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, a *alert.Alert, tier escalation.Tier, dl delivery) error {
	msg := NewMessage(a, tier, dl.role)
	rec := alert.Notification{
		AlertID: a.ID,
		Tier:    tier.String(),
		Role:    dl.role,
		Contact: dl.contact.Name,
		Channel: dl.contact.Channel,
	}

	var err error
	ch, ok := d.channels[dl.contact.Channel]
	if !ok {
		err = fmt.Errorf("channel %q is not configured", dl.contact.Channel)
	} else {
		rec.Attempts, err = d.sendWithRetry(ctx, ch, dl.contact, msg)
	}

	if err != nil {
		rec.Status = alert.NotificationFailed
		rec.LastError = err.Error()
		d.logger.Error("notification failed",
			"alert_id", a.ID, "role", dl.role, "contact", dl.contact.Name,
			"channel", dl.contact.Channel, "attempts", rec.Attempts, "error", err)
	} else {
		rec.Status = alert.NotificationSent
		d.logger.Info("notification sent",
			"alert_id", a.ID, "role", dl.role, "contact", dl.contact.Name,
			"channel", dl.contact.Channel, "attempts", rec.Attempts)
	}

	if d.recorder != nil {
		if rerr := d.recorder.RecordNotification(context.WithoutCancel(ctx), rec); rerr != nil {
			d.logger.Error("record notification failed", "alert_id", a.ID, "error", rerr)
		}
	}
	if err != nil {
		return fmt.Errorf("%s via %s: %w", dl.contact.Name, dl.contact.Channel, err)
	}
	return nil
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, ch Channel, c Contact, m Message) (int, error) {
	var err error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		err = ch.Send(ctx, c, m)
		if err == nil {
			return attempt, nil
		}
		if IsPermanent(err) || attempt == d.opts.MaxAttempts {
			return attempt, err
		}

		wait := d.opts.Backoff * time.Duration(1<<(attempt-1))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return d.opts.MaxAttempts, err
}
