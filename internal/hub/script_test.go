package hub_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/taskstream/internal/hub"
	"github.com/slok/taskstream/internal/model"
)

func TestHubPlayScript(t *testing.T) {
	script := model.Script{
		TaskID: "5",
		Steps: []model.ScriptStep{
			{Label: "status", Data: []byte(`{"status":"running"}`)},
			{Label: "log", Delay: time.Millisecond, Data: []byte(`{"message":"a"}`)},
			{Label: "done", Data: []byte(`{"task_id":5,"status":"completed"}`)},
		},
	}

	tests := map[string]struct {
		taskID    string
		expTaskID string
		expErr    bool
	}{
		"The script task id should be used by default.": {
			expTaskID: "5",
		},
		"The task id should override the script one.": {
			taskID:    "42",
			expTaskID: "42",
		},
		"An invalid task id should fail.": {
			taskID: "a b",
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)

			h, _ := newTestHub(t, hub.Config{})
			err := h.PlayScript(context.Background(), test.taskID, script)
			if test.expErr {
				require.Error(err)
				return
			}
			require.NoError(err)

			frames, total, err := h.Events(context.Background(), test.expTaskID, 0, 10)
			require.NoError(err)
			assert.Equal(t, int64(3), total)
			assert.Equal(t, []model.Cursor{"1", "2", "3"}, cursors(frames))
			assert.Equal(t, "done", frames[2].Label)
		})
	}
}

func TestHubPlayScriptCanceled(t *testing.T) {
	require := require.New(t)

	h, _ := newTestHub(t, hub.Config{})
	script := model.Script{
		TaskID: "5",
		Steps: []model.ScriptStep{
			{Label: "status", Data: []byte(`{"status":"running"}`)},
			{Label: "done", Delay: time.Hour, Data: []byte(`{"task_id":5,"status":"completed"}`)},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error)
	go func() { errC <- h.PlayScript(ctx, "", script) }()

	require.Eventually(func() bool {
		_, total, err := h.Events(context.Background(), "5", 0, 10)
		return err == nil && total == 1
	}, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the script to stop")
	}
}
