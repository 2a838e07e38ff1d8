package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/storage"
)

func TestCursorPosition(t *testing.T) {
	tests := map[string]struct {
		cursor model.Cursor
		expPos int64
		expErr bool
	}{
		"An empty cursor should be the start of the log.": {
			cursor: "",
			expPos: 0,
		},
		"A decimal cursor should be its position.": {
			cursor: "42",
			expPos: 42,
		},
		"A non decimal cursor should fail.": {
			cursor: "abc",
			expErr: true,
		},
		"A negative cursor should fail.": {
			cursor: "-1",
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			pos, err := storage.CursorPosition(test.cursor)
			if test.expErr {
				assert.ErrorIs(t, err, model.ErrNotValid)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.expPos, pos)
		})
	}
}

func TestPositionCursor(t *testing.T) {
	assert.Equal(t, model.Cursor("7"), storage.PositionCursor(7))
}
