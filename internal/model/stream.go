package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TaskStatus is the lifecycle status reported by the server for a generation task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// LogLevel is the severity of a log entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogPhase is the subsystem that produced a log entry.
type LogPhase string

const (
	LogPhaseClone  LogPhase = "clone"
	LogPhaseClaude LogPhase = "claude"
	LogPhasePush   LogPhase = "push"
)

// OutputType is the kind of generation activity an output entry carries.
type OutputType string

const (
	OutputTypeThinking   OutputType = "thinking"
	OutputTypeText       OutputType = "text"
	OutputTypeToolUse    OutputType = "tool_use"
	OutputTypeToolResult OutputType = "tool_result"
	OutputTypeResult     OutputType = "result"
)

// StatusSnapshot is the last known task lifecycle snapshot.
type StatusSnapshot struct {
	Status       TaskStatus `json:"status"`
	Message      string     `json:"message,omitempty"`
	PID          *int       `json:"pid,omitempty"`
	FilesChanged *int       `json:"files_changed,omitempty"`
	Additions    *int       `json:"additions,omitempty"`
	Deletions    *int       `json:"deletions,omitempty"`
}

// ProgressSnapshot is the latest progress reported by the generation process.
type ProgressSnapshot struct {
	FilesRead     int    `json:"files_read"`
	FilesWritten  int    `json:"files_written"`
	FilesEdited   int    `json:"files_edited"`
	TurnsUsed     int    `json:"turns_used"`
	MaxTurns      int    `json:"max_turns"`
	CurrentAction string `json:"current_action"`
}

// DoneResult is the terminal payload of a task stream.
type DoneResult struct {
	TaskID   int64      `json:"task_id"`
	Status   TaskStatus `json:"status"`
	ReviewID *int64     `json:"review_id,omitempty"`
}

// LogEntry is an operational log line of the task pipeline.
type LogEntry struct {
	Level   LogLevel        `json:"level"`
	Phase   LogPhase        `json:"phase"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// OutputEntry is one unit of generation activity.
type OutputEntry struct {
	Type     OutputType      `json:"type"`
	Content  string          `json:"content,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	ID       string          `json:"id,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	ExitCode *int            `json:"exit_code,omitempty"`
	CostUSD  float64         `json:"cost_usd,omitempty"`
}

// EntryKind discriminates the timeline entry variants.
type EntryKind string

const (
	EntryKindLog    EntryKind = "log"
	EntryKindOutput EntryKind = "output"
)

// Entry is a timeline entry, exactly one of Log or Output is set depending on Kind.
//
// Entries are shared between successive states, the pointed values must be
// treated as read-only.
type Entry struct {
	Kind   EntryKind
	Log    *LogEntry
	Output *OutputEntry
}

// NewLogEntry returns a log timeline entry.
func NewLogEntry(l LogEntry) Entry {
	return Entry{Kind: EntryKindLog, Log: &l}
}

// NewOutputEntry returns an output timeline entry.
func NewOutputEntry(o OutputEntry) Entry {
	return Entry{Kind: EntryKindOutput, Output: &o}
}

// IsOutput returns true if the entry is an output of type t.
func (e Entry) IsOutput(t OutputType) bool {
	return e.Kind == EntryKindOutput && e.Output != nil && e.Output.Type == t
}

// StreamState is the published projection of a task stream. A new value is
// produced on every transition, consumers detect changes comparing Revision.
type StreamState struct {
	Status    *StatusSnapshot
	Entries   []Entry
	Progress  *ProgressSnapshot
	Done      *DoneResult
	Error     string
	Connected bool
	Revision  uint64
}

// Terminal returns true once the stream received its terminal event.
func (s StreamState) Terminal() bool {
	return s.Done != nil
}

// ValidateTaskID checks a task identifier can be used as a stream path segment.
func ValidateTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("task id is required: %w", ErrNotValid)
	}

	if strings.ContainsAny(id, "/?#% ") {
		return fmt.Errorf("task id %q has invalid characters: %w", id, ErrNotValid)
	}

	return nil
}
