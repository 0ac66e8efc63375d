package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meterflow/meterflow/engine/event"
)

// EventLog is an in-memory implementation of event.Log. Events are kept in
// insertion order; Since orders by timestamp with insertion order breaking
// ties, matching the indexed sort of the MongoDB log.
type EventLog struct {
	mu     sync.RWMutex
	events []*event.Event
}

// Compile-time check that EventLog implements event.Log.
var _ event.Log = (*EventLog)(nil)

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Append persists the event, assigning an ID and a timestamp when missing.
func (l *EventLog) Append(ctx context.Context, e *event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e == nil || e.RunID == "" || e.Type == "" {
		return errors.New("event with run id and type is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	stored := clone(e)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.TS.IsZero() {
		stored.TS = time.Now().UTC()
	}
	l.events = append(l.events, stored)
	e.ID = stored.ID
	e.TS = stored.TS
	return nil
}

// Since returns the run's events with TS strictly after the given time.
func (l *EventLog) Since(ctx context.Context, runID string, after time.Time) ([]*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*event.Event
	for _, e := range l.events {
		if e.RunID == runID && e.TS.After(after) {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

// List returns one page of the run's events in insertion order. The cursor is
// the insertion index the next page resumes from.
func (l *EventLog) List(ctx context.Context, runID string, cursor string, limit int) (event.Page, error) {
	if err := ctx.Err(); err != nil {
		return event.Page{}, err
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return event.Page{}, errors.New("invalid cursor")
		}
		start = n
	}
	if limit <= 0 {
		limit = 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	page := event.Page{}
	for i, e := range l.events {
		if i < start || e.RunID != runID {
			continue
		}
		if len(page.Events) == limit {
			page.NextCursor = strconv.Itoa(i)
			break
		}
		page.Events = append(page.Events, clone(e))
	}
	return page, nil
}
