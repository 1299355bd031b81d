// Package ingest pulls lab results from message brokers and hands them to
// the alert service.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/critvals/internal/alert"
)

// Handler processes one decoded result.
type Handler func(ctx context.Context, r alert.LabResult) error

// Source is a long-running feed of lab results. Run returns nil when ctx is
// cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, h Handler) error
}

// ErrMalformed wraps payloads that are not a result or an array of results.
var ErrMalformed = errors.New("malformed lab result payload")

// Decode accepts a single JSON result or a JSON array of results and stamps
// each with source.
func Decode(data []byte, source string) ([]alert.LabResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	var results []alert.LabResult
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		var r alert.LabResult
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		results = []alert.LabResult{r}
	}

	for i := range results {
		if results[i].Source == "" {
			results[i].Source = source
		}
	}
	return results, nil
}

// ServiceHandler adapts the alert service to a Handler. Duplicates are not
// errors for a feed.
func ServiceHandler(svc interface {
	Ingest(ctx context.Context, r alert.LabResult) (*alert.Alert, error)
}) Handler {
	return func(ctx context.Context, r alert.LabResult) error {
		_, err := svc.Ingest(ctx, r)
		if errors.Is(err, alert.ErrDuplicate) {
			return nil
		}
		return err
	}
}

// RunAll runs every source until ctx is cancelled or one of them fails.
func RunAll(ctx context.Context, sources []Source, h Handler, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			logger.Info("ingest source started", "source", src.Name())
			err := src.Run(ctx, h)
			if err != nil {
				return fmt.Errorf("ingest source %s: %w", src.Name(), err)
			}
			logger.Info("ingest source stopped", "source", src.Name())
			return nil
		})
	}
	return g.Wait()
}
