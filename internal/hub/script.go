package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/slok/taskstream/internal/log"
	"github.com/slok/taskstream/internal/model"
)

// PlayScript publishes the steps of a script in order, waiting each step
// delay before publishing it. An empty task id uses the script one.
func (h *Hub) PlayScript(ctx context.Context, taskID string, script model.Script) error {
	if taskID == "" {
		taskID = script.TaskID
	}
	if err := model.ValidateTaskID(taskID); err != nil {
		return fmt.Errorf("invalid task id: %w", err)
	}

	logger := h.logger.WithValues(log.Kv{"task-id": taskID})
	logger.Infof("Playing script with %d steps", len(script.Steps))

	for i, step := range script.Steps {
		if step.Delay > 0 {
			t := time.NewTimer(step.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		f, err := h.Publish(ctx, taskID, step.Label, step.Data)
		if err != nil {
			return fmt.Errorf("could not publish step %d: %w", i, err)
		}
		logger.Debugf("Published %q event %s", f.Label, f.Cursor)
	}

	logger.Infof("Script finished")

	return nil
}
