// Package timeline builds the published stream state out of typed events and
// compacts the resulting timeline for display.
package timeline

import (
	"slices"

	"github.com/slok/taskstream/internal/event"
	"github.com/slok/taskstream/internal/model"
)

// DefaultTaskErrorMessage is used when a task error event has no message.
const DefaultTaskErrorMessage = "task failed"

// Reduce applies an event to a state and returns the next state. The received
// state is never modified. terminal is true when the event ended the stream.
//
// Once the state is terminal every event is a no-op.
func Reduce(s model.StreamState, ev event.Event) (next model.StreamState, terminal bool) {
	if s.Terminal() {
		return s, true
	}

	next = s
	switch ev := ev.(type) {
	case event.Status:
		snapshot := ev.Snapshot
		next.Status = &snapshot
	case event.Log:
		next.Entries = appendEntry(s.Entries, model.NewLogEntry(ev.Entry))
	case event.Output:
		next.Entries = appendEntry(s.Entries, model.NewOutputEntry(ev.Entry))
	case event.Progress:
		snapshot := ev.Snapshot
		next.Progress = &snapshot
	case event.TaskError:
		next.Error = ev.Message
		if next.Error == "" {
			next.Error = DefaultTaskErrorMessage
		}
	case event.Done:
		result := ev.Result
		next.Done = &result
		next.Connected = false
		terminal = true
	case event.Opened:
		next.Connected = true
		next.Error = ""
	case event.Lost:
		next.Connected = false
	default:
		return s, false
	}

	next.Revision = s.Revision + 1
	return next, terminal
}

// appendEntry never writes in the backing array of the received entries, so
// states derived from the same parent don't see each other's entries.
func appendEntry(entries []model.Entry, e model.Entry) []model.Entry {
	return append(slices.Clip(entries), e)
}
