package printer

import (
	"encoding/json"
	"io"

	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/timeline"
)

// JSONPrinter prints the final task stream state in JSON format.
type JSONPrinter struct {
	writer io.Writer
	raw    bool
}

// NewJSONPrinter creates a new JSON printer. When raw is true the timeline
// entries are printed as received, without compacting them.
func NewJSONPrinter(w io.Writer, raw bool) *JSONPrinter {
	return &JSONPrinter{writer: w, raw: raw}
}

// stateOutput represents the full stream state output.
type stateOutput struct {
	Status    *model.StatusSnapshot   `json:"status"`
	Progress  *model.ProgressSnapshot `json:"progress"`
	Done      *model.DoneResult       `json:"done"`
	Error     string                  `json:"error,omitempty"`
	Connected bool                    `json:"connected"`
	Entries   []entryOutput           `json:"entries"`
}

// entryOutput represents a timeline entry, the payload fields are inlined.
type entryOutput struct {
	Kind model.EntryKind `json:"kind"`
	*model.LogEntry
	*model.OutputEntry
	ResultOf string `json:"result_of,omitempty"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

// PrintUpdate doesn't print anything, only the final state is printed.
func (j *JSONPrinter) PrintUpdate(model.StreamState) error { return nil }

// PrintFinal prints the stream state in JSON format.
func (j *JSONPrinter) PrintFinal(s model.StreamState) error {
	output := stateOutput{
		Status:    s.Status,
		Progress:  s.Progress,
		Done:      s.Done,
		Error:     s.Error,
		Connected: s.Connected,
		Entries:   []entryOutput{},
	}

	items := timeline.Compact(s.Entries)
	if j.raw {
		items = timeline.Annotate(s.Entries)
	}
	for _, it := range items {
		output.Entries = append(output.Entries, entryOutput{
			Kind:        it.Kind,
			LogEntry:    it.Log,
			OutputEntry: it.Output,
			ResultOf:    it.ResultOf,
		})
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	output := messageOutput{Message: msg}
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
