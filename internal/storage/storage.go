// Package storage persists the replay log of the task event streams.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/slok/taskstream/internal/event"
	"github.com/slok/taskstream/internal/model"
)

// EventRepository is the replay log of task event streams. Every appended event
// gets as cursor its 1-based position in the task log.
type EventRepository interface {
	// AppendEvent stores an event at the end of the task log.
	AppendEvent(ctx context.Context, taskID string, label string, data []byte) (event.Frame, error)
	// ListEventsAfter returns the events stored strictly after the cursor, all of
	// them when the cursor is empty.
	ListEventsAfter(ctx context.Context, taskID string, after model.Cursor) ([]event.Frame, error)
	// ListEvents returns a page of the task log and the total number of events.
	ListEvents(ctx context.Context, taskID string, offset, limit int64) (events []event.Frame, total int64, err error)
	// ExpireEvents removes the task log once ttl has passed.
	ExpireEvents(ctx context.Context, taskID string, ttl time.Duration) error
}

// CursorPosition returns the log position of a cursor, 0 for the empty cursor.
func CursorPosition(c model.Cursor) (int64, error) {
	if c.IsZero() {
		return 0, nil
	}

	pos, err := strconv.ParseInt(c.String(), 10, 64)
	if err != nil || pos < 0 {
		return 0, fmt.Errorf("cursor %q is not a log position: %w", c, model.ErrNotValid)
	}

	return pos, nil
}

// PositionCursor returns the cursor of a log position.
func PositionCursor(pos int64) model.Cursor {
	return model.Cursor(strconv.FormatInt(pos, 10))
}
