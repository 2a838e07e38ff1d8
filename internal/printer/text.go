package printer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/timeline"
)

const maxToolOutput = 200

// TextPrinter prints the compacted timeline incrementally, an item is printed
// once it can't change anymore.
type TextPrinter struct {
	writer io.Writer
	raw    bool

	printed   int
	status    *model.StatusSnapshot
	progress  *model.ProgressSnapshot
	err       string
	connected bool
}

// NewTextPrinter creates a new text printer. When raw is true the timeline
// entries are printed as received, without compacting them.
func NewTextPrinter(w io.Writer, raw bool) *TextPrinter {
	return &TextPrinter{writer: w, raw: raw}
}

// PrintUpdate prints what changed since the previous update.
func (t *TextPrinter) PrintUpdate(s model.StreamState) error {
	if s.Connected != t.connected {
		t.connected = s.Connected
		switch {
		case s.Connected:
			fmt.Fprintln(t.writer, "--- connected")
		case !s.Terminal():
			fmt.Fprintln(t.writer, "--- connection lost, reconnecting")
		}
	}

	if s.Status != nil && s.Status != t.status {
		t.status = s.Status
		fmt.Fprintln(t.writer, formatStatus(*s.Status))
	}

	items := t.items(s.Entries)
	sealed := timeline.Sealed(items, s.Terminal())
	for ; t.printed < sealed; t.printed++ {
		fmt.Fprintln(t.writer, formatItem(items[t.printed]))
	}

	if s.Progress != nil && s.Progress != t.progress {
		t.progress = s.Progress
		fmt.Fprintln(t.writer, formatProgress(*s.Progress))
	}

	if s.Error != "" && s.Error != t.err {
		fmt.Fprintf(t.writer, "error: %s\n", s.Error)
	}
	t.err = s.Error

	return nil
}

// PrintFinal prints the pending items and a summary of the task.
func (t *TextPrinter) PrintFinal(s model.StreamState) error {
	if err := t.PrintUpdate(s); err != nil {
		return err
	}

	items := t.items(s.Entries)
	for ; t.printed < len(items); t.printed++ {
		fmt.Fprintln(t.writer, formatItem(items[t.printed]))
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw)
	if s.Done != nil {
		fmt.Fprintf(tw, "Task:\t%d\n", s.Done.TaskID)
		fmt.Fprintf(tw, "Result:\t%s\n", s.Done.Status)
		if s.Done.ReviewID != nil {
			fmt.Fprintf(tw, "Review:\t%d\n", *s.Done.ReviewID)
		}
	} else {
		fmt.Fprintf(tw, "Result:\t%s\n", "unfinished")
	}

	if st := s.Status; st != nil && st.FilesChanged != nil {
		fmt.Fprintf(tw, "Changes:\t%d files (+%d -%d)\n", *st.FilesChanged, deref(st.Additions), deref(st.Deletions))
	}

	if s.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", s.Error)
	}

	fmt.Fprintf(tw, "Entries:\t%d (%d compacted)\n", len(s.Entries), len(timeline.Compact(s.Entries)))

	return nil
}

// PrintMessage prints a simple message.
func (t *TextPrinter) PrintMessage(msg string) error {
	_, err := fmt.Fprintln(t.writer, msg)
	return err
}

func (t *TextPrinter) items(entries []model.Entry) []timeline.Item {
	if !t.raw {
		return timeline.Compact(entries)
	}

	return timeline.Annotate(entries)
}

func formatStatus(s model.StatusSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s", s.Status)
	if s.PID != nil {
		fmt.Fprintf(&b, " (pid %d)", *s.PID)
	}
	if s.Message != "" {
		fmt.Fprintf(&b, " - %s", s.Message)
	}
	return b.String()
}

func formatProgress(p model.ProgressSnapshot) string {
	line := fmt.Sprintf("progress: turn %d/%d, read %d, written %d, edited %d",
		p.TurnsUsed, p.MaxTurns, p.FilesRead, p.FilesWritten, p.FilesEdited)
	if p.CurrentAction != "" {
		line += " - " + p.CurrentAction
	}
	return line
}

func formatItem(it timeline.Item) string {
	if it.Kind == model.EntryKindLog && it.Log != nil {
		return fmt.Sprintf("[%s] %s: %s", it.Log.Level, it.Log.Phase, it.Log.Message)
	}

	o := it.Output
	if o == nil {
		return ""
	}

	switch o.Type {
	case model.OutputTypeThinking:
		return "thinking: " + o.Content
	case model.OutputTypeText:
		return o.Content
	case model.OutputTypeToolUse:
		line := "tool: " + o.Tool
		if input := compactJSON(o.Input); input != "" {
			line += " " + input
		}
		return line
	case model.OutputTypeToolResult:
		line := "result"
		if it.ResultOf != "" {
			line += " (" + it.ResultOf + ")"
		}
		if o.ExitCode != nil && *o.ExitCode != 0 {
			line += fmt.Sprintf(" [exit %d]", *o.ExitCode)
		}
		return line + ": " + truncate(o.Output)
	case model.OutputTypeResult:
		line := "done: " + o.Content
		if o.CostUSD > 0 {
			line += fmt.Sprintf(" (cost $%.2f)", o.CostUSD)
		}
		return line
	}

	return fmt.Sprintf("%s: %s", o.Type, o.Content)
}

// truncate keeps the first line of long tool outputs.
func truncate(s string) string {
	if len(s) <= maxToolOutput && !strings.Contains(s, "\n") {
		return s
	}

	first, _, _ := strings.Cut(s, "\n")
	if len(first) > maxToolOutput {
		first = first[:maxToolOutput]
	}
	return fmt.Sprintf("%s ... (%s)", first, FormatSize(len(s)))
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}

func deref(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}
