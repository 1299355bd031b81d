package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/critvals/internal/events"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

const keepAliveInterval = 15 * time.Second

// handleEvents streams alert lifecycle events as server-sent events.
// Query params: types=alert.created,alert. (a trailing dot matches a
// prefix) and min_severity=HIGH. A client that cannot set Last-Event-ID
// may pass last_event_id instead.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseLastEventID(r.URL.Query().Get("last_event_id"))
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing published in between is lost.
	live, cancel := s.events.Subscribe(filter)
	defer cancel()

	stream := sseStream{w: w, flusher: flusher, sent: lastID}
	for _, ev := range s.events.SnapshotSince(lastID, filter) {
		if stream.send(ev) != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			err = stream.send(ev)
		case <-keepAlive.C:
			err = stream.comment("keep-alive")
		}
		if err != nil {
			return
		}
	}
}

// sseStream writes events in order and never repeats one already sent.
type sseStream struct {
	w       io.Writer
	flusher http.Flusher
	sent    int64
}

func (s *sseStream) send(ev events.Event) error {
	if ev.ID <= s.sent {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}
	// payloads are compact JSON, so one data line is enough
	fmt.Fprintf(&b, "data: %s\n\n", ev.Data)
	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return err
	}
	s.sent = ev.ID
	s.flusher.Flush()
	return nil
}

func (s *sseStream) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func parseEventFilter(r *http.Request) (events.Filter, error) {
	q := r.URL.Query()
	var f events.Filter
	for _, t := range strings.Split(q.Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.Types = append(f.Types, t)
		}
	}
	if v := q.Get("min_severity"); v != "" {
		sev, err := thresholds.ParseSeverity(v)
		if err != nil {
			return events.Filter{}, fmt.Errorf("min_severity: %w", err)
		}
		f.MinSeverity = sev
	}
	return f, nil
}

// parseLastEventID treats anything but a non-negative integer as "from the
// start of the buffer".
func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
