package model

import (
	"fmt"
	"time"
)

// Script is a recorded task run that can be replayed into a hub.
type Script struct {
	TaskID string
	Steps  []ScriptStep
}

// ScriptStep is a single event of a script.
type ScriptStep struct {
	// Delay is the wait before publishing the event.
	Delay time.Duration
	Label string
	Data  []byte
}

// Validate validates the script.
func (s Script) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("script has no steps: %w", ErrNotValid)
	}

	for i, step := range s.Steps {
		if step.Label == "" {
			return fmt.Errorf("step %d event is required: %w", i, ErrNotValid)
		}
		if step.Delay < 0 {
			return fmt.Errorf("step %d delay can't be negative: %w", i, ErrNotValid)
		}
	}

	return nil
}
