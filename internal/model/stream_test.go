package model_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slok/taskstream/internal/model"
)

func TestValidateTaskID(t *testing.T) {
	tests := map[string]struct {
		id     string
		expErr bool
	}{
		"A numeric id should be valid.":   {id: "42"},
		"An opaque id should be valid.":   {id: "01H2QWERTYASDFGZXCVBNMLKJH"},
		"An empty id should fail.":        {id: "", expErr: true},
		"A path-like id should fail.":     {id: "1/../2", expErr: true},
		"An id with a query should fail.": {id: "1?x=y", expErr: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := model.ValidateTaskID(test.id)
			if test.expErr {
				assert.True(t, errors.Is(err, model.ErrNotValid))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEntryIsOutput(t *testing.T) {
	assert := assert.New(t)

	thinking := model.NewOutputEntry(model.OutputEntry{Type: model.OutputTypeThinking})
	log := model.NewLogEntry(model.LogEntry{Level: model.LogLevelInfo, Phase: model.LogPhaseClone})

	assert.True(thinking.IsOutput(model.OutputTypeThinking))
	assert.False(thinking.IsOutput(model.OutputTypeText))
	assert.False(log.IsOutput(model.OutputTypeThinking))
	assert.Nil(log.Output)
	assert.Equal(model.EntryKindLog, log.Kind)
}

func TestStreamStateTerminal(t *testing.T) {
	assert.False(t, model.StreamState{}.Terminal())
	assert.True(t, model.StreamState{Done: &model.DoneResult{TaskID: 1}}.Terminal())
}
