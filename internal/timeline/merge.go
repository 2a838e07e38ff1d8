package timeline

import "github.com/slok/taskstream/internal/model"

// Item is a compacted timeline entry ready to be displayed.
type Item struct {
	model.Entry

	// ResultOf is the tool name a tool_result output answers, empty when
	// there was no tool_use waiting for an answer.
	ResultOf string
}

// Compact coalesces adjacent thinking outputs into one, the same for adjacent
// text outputs. The content is concatenated in order and the rest of the fields
// come from the first entry of the run. In the same pass, every tool_result is
// annotated with the tool name of the closest previous tool_use that was not
// already answered.
//
// Compact keeps the relative order of the entries, doesn't modify them and holds
// no state between calls. Entries that are not coalesced are reused as they are.
func Compact(entries []model.Entry) []Item {
	items := make([]Item, 0, len(entries))
	lastTool := ""

	for _, e := range entries {
		if e.Kind != model.EntryKindOutput || e.Output == nil {
			items = append(items, Item{Entry: e})
			continue
		}

		switch e.Output.Type {
		case model.OutputTypeThinking, model.OutputTypeText:
			if n := len(items); n > 0 && items[n-1].IsOutput(e.Output.Type) {
				coalesced := *items[n-1].Output
				coalesced.Content += e.Output.Content
				items[n-1] = Item{Entry: model.Entry{Kind: model.EntryKindOutput, Output: &coalesced}}
				continue
			}
		case model.OutputTypeToolUse:
			lastTool = e.Output.Tool
		case model.OutputTypeToolResult:
			items = append(items, Item{Entry: e, ResultOf: lastTool})
			lastTool = ""
			continue
		}

		items = append(items, Item{Entry: e})
	}

	return items
}

// Annotate returns the entries as items without coalescing them, every
// tool_result is annotated the same way Compact does.
func Annotate(entries []model.Entry) []Item {
	items := make([]Item, 0, len(entries))
	lastTool := ""

	for _, e := range entries {
		it := Item{Entry: e}
		if e.Kind == model.EntryKindOutput && e.Output != nil {
			switch e.Output.Type {
			case model.OutputTypeToolUse:
				lastTool = e.Output.Tool
			case model.OutputTypeToolResult:
				it.ResultOf = lastTool
				lastTool = ""
			}
		}
		items = append(items, it)
	}

	return items
}

// Merge returns the coalesced copy of the timeline entries, see Compact.
//
// Merge is idempotent and it's the identity for timelines without adjacent
// thinking or text outputs.
func Merge(entries []model.Entry) []model.Entry {
	items := Compact(entries)
	merged := make([]model.Entry, 0, len(items))
	for _, it := range items {
		merged = append(merged, it.Entry)
	}
	return merged
}

// Sealed returns how many compacted items can't change anymore when new entries
// arrive. Only the last one can still grow, unless the stream is terminal.
func Sealed(items []Item, terminal bool) int {
	if terminal || len(items) == 0 {
		return len(items)
	}
	return len(items) - 1
}
