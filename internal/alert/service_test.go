package alert_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/alert/mocks"
	"github.com/mattjoyce/critvals/internal/escalation"
	"github.com/mattjoyce/critvals/internal/storage"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

type serviceFixture struct {
	svc       *alert.Service
	store     *alert.Store
	notifier  *mocks.MockNotifier
	publisher *mocks.MockPublisher
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "critvals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := alert.NewStore(db)
	notifier := mocks.NewMockNotifier(ctrl)
	publisher := mocks.NewMockPublisher(ctrl)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	return serviceFixture{
		svc:       alert.NewService(store, thresholds.Default(), escalation.DefaultMatrix(), notifier, publisher, logger),
		store:     store,
		notifier:  notifier,
		publisher: publisher,
	}
}

func TestServiceIngestNormalResult(t *testing.T) {
	f := newServiceFixture(t)
	f.publisher.EXPECT().Publish(alert.EventResultNormal, gomock.Any())

	a, err := f.svc.Ingest(context.Background(), alert.LabResult{PatientID: "P010", Test: "Sodium", Value: 140})
	require.NoError(t, err)
	assert.Nil(t, a)

	m, err := f.svc.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, m.Total)
}

func TestServiceIngestCriticalNotifiesPrimaryTier(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.notifier.EXPECT().
		Notify(gomock.Any(), gomock.Any(), escalation.TierPrimary, []string{"attending_physician"}).
		DoAndReturn(func(_ context.Context, a *alert.Alert, _ escalation.Tier, _ []string) error {
			assert.Equal(t, "potassium", a.Test)
			return nil
		})
	f.publisher.EXPECT().Publish(alert.EventAlertCreated, gomock.Any())

	a, err := f.svc.Ingest(ctx, alert.LabResult{
		PatientID:   "P001",
		PatientName: "John Smith",
		Test:        "K",
		Value:       6.8,
		Source:      "api",
	})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, thresholds.SeverityHigh, a.Severity)
	assert.Equal(t, "mEq/L", a.Unit)
	assert.Equal(t, "CRITICAL HIGH: potassium = 6.8 mEq/L (> 6.5)", a.Message)
	require.NotNil(t, a.NextEscalationAt)
	assert.Equal(t, 15*60.0, a.NextEscalationAt.Sub(a.CreatedAt).Seconds())
}

func TestServiceIngestDuplicateDoesNotRepage(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	result := alert.LabResult{PatientID: "P002", Test: "glucose", Value: 25}

	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any(), escalation.TierPrimary, []string{"attending_physician", "charge_nurse"}).Times(1)
	f.publisher.EXPECT().Publish(alert.EventAlertCreated, gomock.Any())
	f.publisher.EXPECT().Publish(alert.EventAlertDuplicate, gomock.Any())

	first, err := f.svc.Ingest(ctx, result)
	require.NoError(t, err)
	assert.Equal(t, thresholds.SeverityCritical, first.Severity)

	second, err := f.svc.Ingest(ctx, result)
	require.ErrorIs(t, err, alert.ErrDuplicate)
	assert.Equal(t, first.ID, second.ID)
}

func TestServiceIngestKeepsAlertWhenNotifyFails(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("pager down"))
	f.publisher.EXPECT().Publish(alert.EventAlertCreated, gomock.Any())

	a, err := f.svc.Ingest(ctx, alert.LabResult{PatientID: "P003", Test: "hemoglobin", Value: 6.5})
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.StatusOpen, got.Status)
}

func TestServiceIngestRejectsInvalid(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Ingest(context.Background(), alert.LabResult{Test: "glucose", Value: 20})
	assert.ErrorIs(t, err, alert.ErrInvalidResult)
}

func TestServiceAcknowledge(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	f.publisher.EXPECT().Publish(alert.EventAlertCreated, gomock.Any())
	a, err := f.svc.Ingest(ctx, alert.LabResult{PatientID: "P004", Test: "troponin", Value: 0.08})
	require.NoError(t, err)

	f.publisher.EXPECT().Publish(alert.EventAlertAcknowledged, gomock.Any())
	acked, err := f.svc.Acknowledge(ctx, a.ID, "Dr. Brown", "cardiology consulted")
	require.NoError(t, err)
	assert.Equal(t, alert.StatusAcknowledged, acked.Status)

	_, err = f.svc.Acknowledge(ctx, a.ID, "Dr. Brown", "")
	assert.ErrorIs(t, err, alert.ErrAlreadyAcknowledged)

	entries, err := f.svc.Audit(ctx, a.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, alert.ActionAcknowledged, entries[0].Action)
	assert.Equal(t, "Dr. Brown", entries[0].Actor)
}
