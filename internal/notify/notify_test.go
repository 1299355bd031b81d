package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/escalation"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func sampleAlert() *alert.Alert {
	return &alert.Alert{
		ID:          "a-1",
		PatientID:   "P002",
		PatientName: "Mary Johnson",
		Test:        "glucose",
		Value:       25,
		Unit:        "mg/dL",
		Severity:    thresholds.SeverityCritical,
		Message:     "PANIC LOW: glucose = 25 mg/dL (< 30)",
		Department:  "ICU",
		CreatedAt:   time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
	}
}

type fakeChannel struct {
	name string
	mu   sync.Mutex
	sent []Contact
	errs []error
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, c Contact, _ Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []alert.Notification
}

func (f *fakeRecorder) RecordNotification(_ context.Context, n alert.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, n)
	return nil
}

func (f *fakeRecorder) byContact() map[string]alert.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]alert.Notification{}
	for _, r := range f.recs {
		out[r.Contact] = r
	}
	return out
}

func TestNewMessage(t *testing.T) {
	m := NewMessage(sampleAlert(), escalation.TierPrimary, "charge_nurse")
	assert.Equal(t, "[CRITICAL] glucose 25 mg/dL for patient P002", m.Subject)
	assert.Contains(t, m.Body, "PANIC LOW: glucose = 25 mg/dL (< 30)")
	assert.Contains(t, m.Body, "Mary Johnson (P002)")
	assert.Contains(t, m.Body, "critvals alert ack a-1")
	assert.Equal(t, "primary", m.Tier)

	esc := NewMessage(sampleAlert(), escalation.TierSecondary, "medical_director")
	assert.Equal(t, "ESCALATION (secondary): [CRITICAL] glucose 25 mg/dL for patient P002", esc.Subject)
}

func TestDispatcherSendsOncePerContact(t *testing.T) {
	logCh := &fakeChannel{name: "log"}
	rec := &fakeRecorder{}
	dir := Directory{
		"attending_physician": {{Name: "Dr. Wilson", Channel: "log", Address: "wilson"}},
		"charge_nurse": {
			{Name: "Dr. Wilson", Channel: "log", Address: "wilson"},
			{Name: "Nurse Kelly", Channel: "log", Address: "kelly"},
		},
	}
	d := NewDispatcher(dir, rec, testLogger(), Options{}, logCh)

	err := d.Notify(context.Background(), sampleAlert(), escalation.TierPrimary, []string{"attending_physician", "charge_nurse", "nobody"})
	require.NoError(t, err)

	assert.Len(t, logCh.sent, 2)
	recs := rec.byContact()
	require.Len(t, recs, 2)
	assert.Equal(t, alert.NotificationSent, recs["Dr. Wilson"].Status)
	assert.Equal(t, "attending_physician", recs["Dr. Wilson"].Role)
	assert.Equal(t, 1, recs["Nurse Kelly"].Attempts)
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	flaky := &fakeChannel{name: "webhook", errs: []error{errors.New("503"), errors.New("503")}}
	rec := &fakeRecorder{}
	dir := Directory{"primary_nurse": {{Name: "pager", Channel: "webhook", Address: "http://pager"}}}
	d := NewDispatcher(dir, rec, testLogger(), Options{MaxAttempts: 3, Backoff: time.Millisecond}, flaky)

	require.NoError(t, d.Notify(context.Background(), sampleAlert(), escalation.TierPrimary, []string{"primary_nurse"}))
	assert.Equal(t, 3, rec.byContact()["pager"].Attempts)
	assert.Equal(t, alert.NotificationSent, rec.byContact()["pager"].Status)
}

func TestDispatcherStopsOnPermanentFailure(t *testing.T) {
	broken := &fakeChannel{name: "webhook", errs: []error{Permanent(errors.New("400 bad request"))}}
	good := &fakeChannel{name: "log"}
	rec := &fakeRecorder{}
	dir := Directory{"attending_physician": {
		{Name: "pager", Channel: "webhook", Address: "http://pager"},
		{Name: "Dr. Wilson", Channel: "log", Address: "wilson"},
		{Name: "fax", Channel: "fax", Address: "555"},
	}}
	d := NewDispatcher(dir, rec, testLogger(), Options{MaxAttempts: 5, Backoff: time.Millisecond}, broken, good)

	err := d.Notify(context.Background(), sampleAlert(), escalation.TierFinal, []string{"attending_physician"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400 bad request")
	assert.Contains(t, err.Error(), `channel "fax" is not configured`)

	recs := rec.byContact()
	assert.Equal(t, 1, recs["pager"].Attempts)
	assert.Equal(t, alert.NotificationFailed, recs["pager"].Status)
	assert.Equal(t, alert.NotificationSent, recs["Dr. Wilson"].Status, "one failing channel must not block the others")
	assert.Equal(t, alert.NotificationFailed, recs["fax"].Status)
	assert.Equal(t, "final", recs["fax"].Tier)
}

func TestDispatcherHonoursContextDuringBackoff(t *testing.T) {
	flaky := &fakeChannel{name: "webhook", errs: []error{errors.New("503"), errors.New("503")}}
	dir := Directory{"primary_nurse": {{Name: "pager", Channel: "webhook", Address: "http://pager"}}}
	d := NewDispatcher(dir, nil, testLogger(), Options{MaxAttempts: 3, Backoff: time.Hour}, flaky)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Notify(ctx, sampleAlert(), escalation.TierPrimary, []string{"primary_nurse"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("nope")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}

func TestLogChannelNeverFails(t *testing.T) {
	ch := NewLogChannel(testLogger())
	assert.Equal(t, "log", ch.Name())
	assert.NoError(t, ch.Send(context.Background(), Contact{Name: "x"}, NewMessage(sampleAlert(), escalation.TierPrimary, "r")))
}
