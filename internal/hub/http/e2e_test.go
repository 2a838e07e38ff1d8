package http_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/taskstream/internal/hub"
	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/stream"
	"github.com/slok/taskstream/internal/timeline"
	"github.com/slok/taskstream/internal/transport/sse"
)

func TestStreamClientAgainstHub(t *testing.T) {
	tests := map[string]struct {
		subscriberBuffer int
		before           int
		live             int
	}{
		"A client connected at the start of the task should receive every event.": {
			live: 20,
		},
		"A client connected in the middle of the task should receive the replay and the live events.": {
			before: 10,
			live:   10,
		},
		"A lagging client should be dropped and resume without losing or duplicating events.": {
			subscriberBuffer: 1,
			before:           5,
			live:             200,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)

			h, srv := newTestServer(t, hub.Config{SubscriberBuffer: test.subscriberBuffer}, 0)
			client, err := sse.NewClient(sse.ClientConfig{ServerURL: srv.URL, HTTPClient: srv.Client()})
			require.NoError(err)

			var expMsgs []string
			publishLog := func(i int) {
				msg := fmt.Sprintf("m%d", i)
				expMsgs = append(expMsgs, msg)
				publish(t, h, "5", "log", fmt.Sprintf(`{"level":"info","phase":"claude","message":%q}`, msg))
			}

			publish(t, h, "5", "status", `{"status":"running"}`)
			for i := 0; i < test.before; i++ {
				publishLog(i)
			}

			conn, err := stream.NewConnection(stream.ConnectionConfig{
				TaskID:         "5",
				Transport:      client,
				ReconnectDelay: 10 * time.Millisecond,
			})
			require.NoError(err)
			conn.Start(context.Background())
			defer conn.Close()

			require.Eventually(func() bool { return conn.State().Connected }, 5*time.Second, time.Millisecond)

			for i := test.before; i < test.before+test.live; i++ {
				publishLog(i)
			}
			publish(t, h, "5", "output", `{"type":"text","content":"a"}`)
			publish(t, h, "5", "output", `{"type":"text","content":"b"}`)
			publish(t, h, "5", "done", `{"task_id":5,"status":"completed"}`)

			select {
			case <-conn.Done():
			case <-time.After(10 * time.Second):
				t.Fatal("timeout waiting for the stream to end")
			}

			state := conn.State()
			require.NotNil(state.Done)
			assert.Equal(t, model.TaskStatusCompleted, state.Done.Status)
			assert.False(t, state.Connected)

			var msgs []string
			for _, e := range state.Entries {
				if e.Kind == model.EntryKindLog {
					msgs = append(msgs, e.Log.Message)
				}
			}
			assert.Equal(t, expMsgs, msgs)

			merged := timeline.Merge(state.Entries)
			last := merged[len(merged)-1]
			assert.Equal(t, "ab", last.Output.Content)
		})
	}
}
