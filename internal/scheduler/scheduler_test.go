package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/critvals/internal/alert"
	alertmocks "github.com/mattjoyce/critvals/internal/alert/mocks"
	"github.com/mattjoyce/critvals/internal/escalation"
	"github.com/mattjoyce/critvals/internal/scheduler/mocks"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

// TestLogBuffer captures scheduler log output.
type TestLogBuffer struct {
	bytes.Buffer
}

func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

type fixture struct {
	s         *Scheduler
	store     *mocks.MockAlertStore
	notifier  *alertmocks.MockNotifier
	publisher *alertmocks.MockPublisher
	logs      *TestLogBuffer
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockAlertStore(ctrl)
	notifier := alertmocks.NewMockNotifier(ctrl)
	publisher := alertmocks.NewMockPublisher(ctrl)
	logger, logs := NewTestSlogger()

	f := &fixture{
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		logs:      logs,
		now:       time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	f.s = New(store, escalation.DefaultMatrix(), notifier, publisher, time.Hour, logger)
	f.s.now = func() time.Time { return f.now }
	return f
}

func openAlert(id string, sev thresholds.Severity, level int) *alert.Alert {
	return &alert.Alert{ID: id, PatientID: "P001", Severity: sev, Status: alert.StatusOpen, EscalationLevel: level}
}

func TestTickEscalatesPrimaryToSecondary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := openAlert("a1", thresholds.SeverityCritical, 0)
	wantDue := f.now.Add(5 * time.Minute)

	gomock.InOrder(
		f.store.EXPECT().DueForEscalation(ctx, f.now).Return([]*alert.Alert{a}, nil),
		f.store.EXPECT().ScheduleEscalation(ctx, "a1", 1, &wantDue, "secondary tier: medical_director, nursing_supervisor").Return(nil),
		f.notifier.EXPECT().Notify(ctx, a, escalation.TierSecondary, []string{"medical_director", "nursing_supervisor"}).Return(nil),
		f.publisher.EXPECT().Publish(alert.EventAlertEscalated, a),
	)

	assert.Equal(t, 1, f.s.runTick(ctx))
	assert.Equal(t, 1, a.EscalationLevel)
	assert.Equal(t, wantDue, *a.NextEscalationAt)
}

func TestTickSchedulesFromPreviousDueTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prevDue := f.now.Add(-25 * time.Second)
	a := openAlert("a8", thresholds.SeverityCritical, 0)
	a.NextEscalationAt = &prevDue
	wantDue := prevDue.Add(5 * time.Minute)

	f.store.EXPECT().DueForEscalation(ctx, f.now).Return([]*alert.Alert{a}, nil)
	f.store.EXPECT().ScheduleEscalation(ctx, "a8", 1, &wantDue, gomock.Any()).Return(nil)
	f.notifier.EXPECT().Notify(ctx, a, escalation.TierSecondary, gomock.Any()).Return(nil)
	f.publisher.EXPECT().Publish(alert.EventAlertEscalated, a)

	assert.Equal(t, 1, f.s.runTick(ctx))
	assert.Equal(t, wantDue, *a.NextEscalationAt)
}

func TestTickEscalatesSecondaryToFinalWithoutFurtherDueTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := openAlert("a2", thresholds.SeverityHigh, 1)

	f.store.EXPECT().DueForEscalation(ctx, f.now).Return([]*alert.Alert{a}, nil)
	f.store.EXPECT().ScheduleEscalation(ctx, "a2", 2, (*time.Time)(nil), "final tier: medical_director").Return(nil)
	f.notifier.EXPECT().Notify(ctx, a, escalation.TierFinal, []string{"medical_director"}).Return(nil)
	f.publisher.EXPECT().Publish(alert.EventAlertEscalated, a)

	assert.Equal(t, 1, f.s.runTick(ctx))
	assert.Nil(t, a.NextEscalationAt)
}

func TestTickClearsStaleDueTimeAtFinalTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := openAlert("a3", thresholds.SeverityModerate, 2)

	f.store.EXPECT().DueForEscalation(ctx, f.now).Return([]*alert.Alert{a}, nil)
	f.store.EXPECT().ScheduleEscalation(ctx, "a3", 2, (*time.Time)(nil), "").Return(nil)

	assert.Equal(t, 0, f.s.runTick(ctx))
}

func TestTickSkipsAlertAcknowledgedMeanwhile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := openAlert("a4", thresholds.SeverityHigh, 0)

	f.store.EXPECT().DueForEscalation(ctx, f.now).Return([]*alert.Alert{a}, nil)
	f.store.EXPECT().ScheduleEscalation(ctx, "a4", 1, gomock.Any(), gomock.Any()).
		Return(fmt.Errorf("%w: a4", alert.ErrAlreadyAcknowledged))

	assert.Equal(t, 0, f.s.runTick(ctx))
	assert.Contains(t, f.logs.String(), "Alert acknowledged before escalation")
}

func TestTickContinuesWhenNotifyFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := openAlert("a5", thresholds.SeverityHigh, 0)
	b := openAlert("a6", thresholds.SeverityHigh, 0)

	f.store.EXPECT().DueForEscalation(ctx, f.now).Return([]*alert.Alert{a, b}, nil)
	f.store.EXPECT().ScheduleEscalation(ctx, gomock.Any(), 1, gomock.Any(), gomock.Any()).Return(nil).Times(2)
	f.notifier.EXPECT().Notify(ctx, a, escalation.TierSecondary, gomock.Any()).Return(errors.New("pager down"))
	f.notifier.EXPECT().Notify(ctx, b, escalation.TierSecondary, gomock.Any()).Return(nil)
	f.publisher.EXPECT().Publish(alert.EventAlertEscalated, gomock.Any()).Times(2)

	assert.Equal(t, 2, f.s.runTick(ctx))
	assert.Contains(t, f.logs.String(), "Escalation notification incomplete")
}

func TestTickLogsStoreError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.EXPECT().DueForEscalation(ctx, f.now).Return(nil, errors.New("db locked"))

	assert.Equal(t, 0, f.s.runTick(ctx))
	assert.Contains(t, f.logs.String(), "db locked")
}

func TestStartRecoversAndStops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	overdue := openAlert("a7", thresholds.SeverityHigh, 0)

	first := f.store.EXPECT().DueForEscalation(ctx, f.now).Return([]*alert.Alert{overdue}, nil)
	f.store.EXPECT().DueForEscalation(ctx, f.now).Return([]*alert.Alert{overdue}, nil).After(first)
	f.store.EXPECT().ScheduleEscalation(ctx, "a7", 1, gomock.Any(), gomock.Any()).Return(nil)
	notified := make(chan struct{})
	f.notifier.EXPECT().Notify(ctx, overdue, escalation.TierSecondary, gomock.Any()).
		DoAndReturn(func(context.Context, *alert.Alert, escalation.Tier, []string) error {
			close(notified)
			return nil
		})
	f.publisher.EXPECT().Publish(alert.EventAlertEscalated, overdue)

	assert.NoError(t, f.s.Start(ctx))
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("first tick did not escalate the overdue alert")
	}
	f.s.Stop()
	f.s.Stop()
	assert.Contains(t, f.logs.String(), "Recovering overdue escalations")
}

func TestStartFailsWhenRecoveryQueryFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.EXPECT().DueForEscalation(ctx, f.now).Return(nil, errors.New("db error"))

	err := f.s.Start(ctx)
	assert.ErrorContains(t, err, "escalation recovery failed: db error")
}
