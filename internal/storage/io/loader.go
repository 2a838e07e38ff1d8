// Package io loads the task scripts replayed by the development server.
package io

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/taskstream/internal/model"
)

// ScriptYAMLRepository loads task scripts from YAML files.
type ScriptYAMLRepository struct {
	fs fs.FS
}

// NewScriptYAMLRepository creates a new YAML script repository.
func NewScriptYAMLRepository(filesystem fs.FS) *ScriptYAMLRepository {
	return &ScriptYAMLRepository{fs: filesystem}
}

// GetScript loads a task script from a YAML file and returns a validated domain model.
func (r *ScriptYAMLRepository) GetScript(ctx context.Context, path string) (model.Script, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return model.Script{}, fmt.Errorf("reading script file: %w", err)
	}

	if ctx.Err() != nil {
		return model.Script{}, ctx.Err()
	}

	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return model.Script{}, fmt.Errorf("parsing YAML: %w", err)
	}

	script, err := s.toModel()
	if err != nil {
		return model.Script{}, fmt.Errorf("invalid script: %w", err)
	}

	if err := script.Validate(); err != nil {
		return model.Script{}, fmt.Errorf("invalid script: %w", err)
	}

	return script, nil
}

// Script represents the YAML structure of a task script.
type Script struct {
	TaskID string       `yaml:"task_id"`
	Steps  []ScriptStep `yaml:"steps"`
}

// ScriptStep represents the YAML structure of a script step. Data is encoded
// as the JSON payload of the event, Raw is published verbatim.
type ScriptStep struct {
	Delay string `yaml:"delay"`
	Event string `yaml:"event"`
	Data  any    `yaml:"data"`
	Raw   string `yaml:"raw"`
}

func (s Script) toModel() (model.Script, error) {
	script := model.Script{TaskID: s.TaskID}

	for i, step := range s.Steps {
		if step.Data != nil && step.Raw != "" {
			return model.Script{}, fmt.Errorf("step %d: only one of data or raw can be set", i)
		}

		var delay time.Duration
		if step.Delay != "" {
			d, err := time.ParseDuration(step.Delay)
			if err != nil {
				return model.Script{}, fmt.Errorf("step %d: invalid delay: %w", i, err)
			}
			delay = d
		}

		payload := []byte(step.Raw)
		if step.Raw == "" {
			data := step.Data
			if data == nil {
				data = map[string]any{}
			}
			p, err := json.Marshal(data)
			if err != nil {
				return model.Script{}, fmt.Errorf("step %d: invalid data: %w", i, err)
			}
			payload = p
		}

		script.Steps = append(script.Steps, model.ScriptStep{
			Delay: delay,
			Label: step.Event,
			Data:  payload,
		})
	}

	return script, nil
}
