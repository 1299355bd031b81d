package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/critvals/internal/alert"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/critvals/internal/scheduler AlertStore

// AlertStore is the slice of the alert store the escalation loop needs.
type AlertStore interface {
	DueForEscalation(ctx context.Context, now time.Time) ([]*alert.Alert, error)
	ScheduleEscalation(ctx context.Context, id string, level int, next *time.Time, detail string) error
}
