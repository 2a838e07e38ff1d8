package transport

import (
	"context"
	"fmt"

	"github.com/slok/taskstream/internal/event"
	"github.com/slok/taskstream/internal/model"
)

// Transport knows how to open channels to the event feed of a task.
type Transport interface {
	// Open establishes a channel for the task. When resume is set the server
	// must only deliver frames produced strictly after that cursor.
	Open(ctx context.Context, taskID string, resume model.Cursor) (Channel, error)
}

// Channel is an open subscription to the event feed of a task. A channel is
// bound to the context used to open it.
type Channel interface {
	// Next blocks until a frame is received. It returns io.EOF when the server
	// ended the stream.
	Next() (event.Frame, error)
	// Close releases the channel, it's safe to call it multiple times.
	Close() error
}

// StatusError is returned when the server answers a subscription with an
// unexpected status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}
