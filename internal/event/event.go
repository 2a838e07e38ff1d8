// Package event decodes the frames pushed by the task stream server into typed events.
//
// Decoding is tolerant: a frame with an unknown label or a payload that can't be
// decoded is dropped, it never becomes an error. The server and the clients evolve
// independently and a single bad frame must not end a stream.
package event

import (
	"bytes"
	"encoding/json"

	"github.com/slok/taskstream/internal/model"
)

// Kind is the type of an event.
type Kind string

const (
	KindStatus    Kind = "status"
	KindLog       Kind = "log"
	KindOutput    Kind = "output"
	KindProgress  Kind = "progress"
	KindTaskError Kind = "task_error"
	KindDone      Kind = "done"

	// Connection lifecycle kinds, never received from the wire.
	KindOpened Kind = "opened"
	KindLost   Kind = "lost"
)

// Frame is a raw labeled unit of data pushed by the server.
type Frame struct {
	Label  string
	Cursor model.Cursor
	Data   []byte
}

// Event is a typed stream event.
type Event interface {
	Kind() Kind
}

// Status replaces the task lifecycle snapshot.
type Status struct{ Snapshot model.StatusSnapshot }

// Log appends an operational log line to the timeline.
type Log struct{ Entry model.LogEntry }

// Output appends a generation activity unit to the timeline.
type Output struct{ Entry model.OutputEntry }

// Progress replaces the progress snapshot.
type Progress struct{ Snapshot model.ProgressSnapshot }

// TaskError surfaces a task level failure.
type TaskError struct{ Message string }

// Done ends the stream.
type Done struct{ Result model.DoneResult }

// Opened signals a channel to the server has been established.
type Opened struct{}

// Lost signals the channel to the server failed and will be reopened.
type Lost struct{ Err error }

func (Status) Kind() Kind    { return KindStatus }
func (Log) Kind() Kind       { return KindLog }
func (Output) Kind() Kind    { return KindOutput }
func (Progress) Kind() Kind  { return KindProgress }
func (TaskError) Kind() Kind { return KindTaskError }
func (Done) Kind() Kind      { return KindDone }
func (Opened) Kind() Kind    { return KindOpened }
func (Lost) Kind() Kind      { return KindLost }

// Parse decodes a frame into its typed event. It returns false when the label
// is unknown or the payload is not a JSON object of the label's shape.
func Parse(f Frame) (Event, bool) {
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 || data[0] != '{' {
		return nil, false
	}

	var (
		ev Event
		ok bool
	)
	switch Kind(f.Label) {
	case KindStatus:
		var s model.StatusSnapshot
		s, ok = decode[model.StatusSnapshot](data)
		ev = Status{Snapshot: s}
	case KindLog:
		var l model.LogEntry
		l, ok = decode[model.LogEntry](data)
		ev = Log{Entry: l}
	case KindOutput:
		var o model.OutputEntry
		o, ok = decode[model.OutputEntry](data)
		ev = Output{Entry: o}
	case KindProgress:
		var p model.ProgressSnapshot
		p, ok = decode[model.ProgressSnapshot](data)
		ev = Progress{Snapshot: p}
	case KindTaskError:
		var e taskErrorPayload
		e, ok = decode[taskErrorPayload](data)
		ev = TaskError{Message: e.Message}
	case KindDone:
		var d model.DoneResult
		d, ok = decode[model.DoneResult](data)
		ev = Done{Result: d}
	}

	if !ok {
		return nil, false
	}

	return ev, true
}

type taskErrorPayload struct {
	Message string `json:"message"`
}

func decode[T any](data []byte) (T, bool) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false
	}
	return v, true
}
