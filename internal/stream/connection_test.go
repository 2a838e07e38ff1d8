package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/slok/taskstream/internal/event"
	metricsprometheus "github.com/slok/taskstream/internal/metrics/prometheus"
	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/stream"
	"github.com/slok/taskstream/internal/transport/fake"
	"github.com/slok/taskstream/internal/transport/transportmock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testTimeout = 5 * time.Second

func frame(cursor, label, data string) event.Frame {
	return event.Frame{Label: label, Cursor: model.Cursor(cursor), Data: []byte(data)}
}

func intPtr(i int) *int       { return &i }
func int64Ptr(i int64) *int64 { return &i }

func waitDone(t *testing.T, c *stream.Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for the connection to end")
	}
}

func waitOpen(t *testing.T, tr *fake.Transport) fake.OpenCall {
	t.Helper()
	select {
	case call := <-tr.OpenCalls():
		return call
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for the transport to be opened")
	}
	return fake.OpenCall{}
}

func logMessages(s model.StreamState) []string {
	var msgs []string
	for _, e := range s.Entries {
		if e.Kind == model.EntryKindLog {
			msgs = append(msgs, e.Log.Message)
		}
	}
	return msgs
}

func TestNewConnection(t *testing.T) {
	tests := map[string]struct {
		config stream.ConnectionConfig
		expErr bool
	}{
		"A valid config should create the connection.": {
			config: stream.ConnectionConfig{TaskID: "5", Transport: fake.NewTransport()},
		},
		"A missing task id should fail.": {
			config: stream.ConnectionConfig{Transport: fake.NewTransport()},
			expErr: true,
		},
		"An invalid task id should fail.": {
			config: stream.ConnectionConfig{TaskID: "5/../6", Transport: fake.NewTransport()},
			expErr: true,
		},
		"A missing transport should fail.": {
			config: stream.ConnectionConfig{TaskID: "5"},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			c, err := stream.NewConnection(test.config)
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, stream.PhaseIdle, c.Phase())
			assert.NotEmpty(t, c.ID())
			assert.Equal(t, model.StreamState{}, c.State())
		})
	}
}

func TestConnectionRun(t *testing.T) {
	tests := map[string]struct {
		sessions  []fake.Session
		expOpens  []fake.OpenCall
		expState  func(t *testing.T, s model.StreamState)
		expClosed int
	}{
		"A full task run should end with the complete state.": {
			sessions: []fake.Session{{Frames: []event.Frame{
				frame("1", "status", `{"status":"pending"}`),
				frame("2", "status", `{"status":"running","pid":42}`),
				frame("3", "log", `{"level":"info","phase":"clone","message":"cloning"}`),
				frame("4", "output", `{"type":"thinking","content":"a"}`),
				frame("5", "output", `{"type":"thinking","content":"b"}`),
				frame("6", "output", `{"type":"tool_use","tool":"Read","input":{"path":"x"}}`),
				frame("7", "output", `{"type":"tool_result","output":"ok"}`),
				frame("8", "progress", `{"files_read":1,"turns_used":1,"max_turns":10,"current_action":"reading"}`),
				frame("9", "done", `{"task_id":5,"status":"completed","review_id":9}`),
			}}},
			expOpens: []fake.OpenCall{{TaskID: "5"}},
			expState: func(t *testing.T, s model.StreamState) {
				exp := model.StreamState{
					Status: &model.StatusSnapshot{Status: model.TaskStatusRunning, PID: intPtr(42)},
					Entries: []model.Entry{
						model.NewLogEntry(model.LogEntry{Level: model.LogLevelInfo, Phase: model.LogPhaseClone, Message: "cloning"}),
						model.NewOutputEntry(model.OutputEntry{Type: model.OutputTypeThinking, Content: "a"}),
						model.NewOutputEntry(model.OutputEntry{Type: model.OutputTypeThinking, Content: "b"}),
						model.NewOutputEntry(model.OutputEntry{Type: model.OutputTypeToolUse, Tool: "Read", Input: json.RawMessage(`{"path":"x"}`)}),
						model.NewOutputEntry(model.OutputEntry{Type: model.OutputTypeToolResult, Output: "ok"}),
					},
					Progress: &model.ProgressSnapshot{FilesRead: 1, TurnsUsed: 1, MaxTurns: 10, CurrentAction: "reading"},
					Done:     &model.DoneResult{TaskID: 5, Status: model.TaskStatusCompleted, ReviewID: int64Ptr(9)},
					Revision: 10,
				}
				assert.Equal(t, exp, s)
			},
			expClosed: 1,
		},

		"A task error should be surfaced without ending the stream.": {
			sessions: []fake.Session{{Frames: []event.Frame{
				frame("1", "status", `{"status":"running"}`),
				frame("2", "task_error", `{"message":"boom"}`),
				frame("3", "log", `{"level":"error","phase":"claude","message":"after error"}`),
				frame("4", "done", `{"task_id":5,"status":"failed"}`),
			}}},
			expOpens: []fake.OpenCall{{TaskID: "5"}},
			expState: func(t *testing.T, s model.StreamState) {
				assert.Equal(t, "boom", s.Error)
				assert.Equal(t, []string{"after error"}, logMessages(s))
				require.NotNil(t, s.Done)
				assert.Equal(t, model.TaskStatusFailed, s.Done.Status)
				assert.False(t, s.Connected)
			},
			expClosed: 1,
		},

		"A lost stream should resume from the last accepted cursor dropping replayed frames.": {
			sessions: []fake.Session{
				{
					Frames: []event.Frame{
						frame("1", "status", `{"status":"running"}`),
						frame("2", "log", `{"message":"l2"}`),
						frame("3", "log", `{"message":"l3"}`),
						frame("4", "log", `{"message":"l4"}`),
						frame("5", "log", `{"message":"l5"}`),
						frame("6", "log", `{"message":"l6"}`),
						frame("7", "log", `{"message":"l7"}`),
					},
					Err: errors.New("connection reset by peer"),
				},
				{
					Frames: []event.Frame{
						frame("6", "log", `{"message":"l6"}`),
						frame("7", "log", `{"message":"l7"}`),
						frame("8", "log", `{"message":"l8"}`),
						frame("9", "done", `{"task_id":5,"status":"completed"}`),
					},
				},
			},
			expOpens: []fake.OpenCall{{TaskID: "5"}, {TaskID: "5", Resume: "7"}},
			expState: func(t *testing.T, s model.StreamState) {
				assert.Equal(t, []string{"l2", "l3", "l4", "l5", "l6", "l7", "l8"}, logMessages(s))
				assert.NotNil(t, s.Done)
				assert.Empty(t, s.Error)
			},
			expClosed: 2,
		},

		"A server ending the stream before done should be reconnected.": {
			sessions: []fake.Session{
				{Frames: []event.Frame{frame("1", "log", `{"message":"a"}`)}, Err: io.EOF},
				{Frames: []event.Frame{frame("2", "done", `{"task_id":5,"status":"completed"}`)}},
			},
			expOpens: []fake.OpenCall{{TaskID: "5"}, {TaskID: "5", Resume: "1"}},
			expState: func(t *testing.T, s model.StreamState) {
				assert.Equal(t, []string{"a"}, logMessages(s))
				assert.NotNil(t, s.Done)
			},
			expClosed: 2,
		},

		"Failing to open should be retried from the same cursor.": {
			sessions: []fake.Session{
				{OpenErr: errors.New("connection refused")},
				{OpenErr: errors.New("connection refused")},
				{Frames: []event.Frame{frame("1", "done", `{"task_id":5,"status":"completed"}`)}},
			},
			expOpens: []fake.OpenCall{{TaskID: "5"}, {TaskID: "5"}, {TaskID: "5"}},
			expState: func(t *testing.T, s model.StreamState) {
				assert.NotNil(t, s.Done)
				assert.Empty(t, s.Error)
			},
			expClosed: 1,
		},

		"Malformed frames should be ignored but their cursor accepted.": {
			sessions: []fake.Session{
				{
					Frames: []event.Frame{
						frame("1", "log", `not json`),
						frame("2", "unknown", `{"message":"x"}`),
						frame("3", "log", `["array"]`),
					},
					Err: errors.New("reset"),
				},
				{Frames: []event.Frame{frame("4", "done", `{"task_id":5,"status":"completed"}`)}},
			},
			expOpens: []fake.OpenCall{{TaskID: "5"}, {TaskID: "5", Resume: "3"}},
			expState: func(t *testing.T, s model.StreamState) {
				assert.Empty(t, s.Entries)
				assert.NotNil(t, s.Done)
			},
			expClosed: 2,
		},

		"Frames without cursor should be accepted without moving the cursor.": {
			sessions: []fake.Session{
				{
					Frames: []event.Frame{
						frame("1", "log", `{"message":"a"}`),
						frame("", "log", `{"message":"b"}`),
						frame("", "log", `{"message":"b"}`),
					},
					Err: errors.New("reset"),
				},
				{Frames: []event.Frame{frame("", "done", `{"task_id":5,"status":"completed"}`)}},
			},
			expOpens: []fake.OpenCall{{TaskID: "5"}, {TaskID: "5", Resume: "1"}},
			expState: func(t *testing.T, s model.StreamState) {
				assert.Equal(t, []string{"a", "b", "b"}, logMessages(s))
				assert.NotNil(t, s.Done)
			},
			expClosed: 2,
		},

		"Frames after done should not be applied and the stream not reopened.": {
			sessions: []fake.Session{
				{
					Frames: []event.Frame{
						frame("1", "log", `{"message":"a"}`),
						frame("2", "done", `{"task_id":5,"status":"completed"}`),
						frame("3", "log", `{"message":"late"}`),
						frame("4", "task_error", `{"message":"late"}`),
					},
					Err: errors.New("reset"),
				},
			},
			expOpens: []fake.OpenCall{{TaskID: "5"}},
			expState: func(t *testing.T, s model.StreamState) {
				assert.Equal(t, []string{"a"}, logMessages(s))
				assert.Empty(t, s.Error)
				assert.Equal(t, uint64(3), s.Revision)
			},
			expClosed: 1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)

			tr := fake.NewTransport(test.sessions...)
			c, err := stream.NewConnection(stream.ConnectionConfig{
				TaskID:         "5",
				Transport:      tr,
				ReconnectDelay: 5 * time.Millisecond,
			})
			require.NoError(err)

			c.Start(context.Background())
			defer c.Close()

			var last model.StreamState
			for s := range c.Updates() {
				last = s
			}
			waitDone(t, c)

			state := c.State()
			assert.Equal(t, last, state)
			assert.False(t, state.Connected)
			assert.Equal(t, stream.PhaseTerminated, c.Phase())
			assert.Equal(t, test.expOpens, tr.Opens())
			assert.Equal(t, test.expClosed, tr.ClosedChannels())
			test.expState(t, state)
		})
	}
}

func TestConnectionMetrics(t *testing.T) {
	require := require.New(t)

	reg := prometheus.NewRegistry()
	tr := fake.NewTransport(
		fake.Session{
			Frames: []event.Frame{
				frame("1", "status", `{"status":"running"}`),
				frame("2", "log", `{"message":"a"}`),
				frame("3", "log", `{`),
			},
			Err: errors.New("reset"),
		},
		fake.Session{
			Frames: []event.Frame{
				frame("2", "log", `{"message":"a"}`),
				frame("4", "done", `{"task_id":5,"status":"completed"}`),
			},
		},
	)
	c, err := stream.NewConnection(stream.ConnectionConfig{
		TaskID:          "5",
		Transport:       tr,
		ReconnectDelay:  time.Millisecond,
		MetricsRecorder: metricsprometheus.NewRecorder(metricsprometheus.Config{Registerer: reg}),
	})
	require.NoError(err)

	c.Start(context.Background())
	waitDone(t, c)

	expMetrics := `
# HELP taskstream_client_frames_total Total number of frames received by stream connections.
# TYPE taskstream_client_frames_total counter
taskstream_client_frames_total{label="done",outcome="accepted"} 1
taskstream_client_frames_total{label="log",outcome="accepted"} 1
taskstream_client_frames_total{label="log",outcome="duplicate"} 1
taskstream_client_frames_total{label="log",outcome="malformed"} 1
taskstream_client_frames_total{label="status",outcome="accepted"} 1
# HELP taskstream_client_open_channels Number of stream channels currently open.
# TYPE taskstream_client_open_channels gauge
taskstream_client_open_channels 0
# HELP taskstream_client_reconnects_total Total number of scheduled stream reconnections.
# TYPE taskstream_client_reconnects_total counter
taskstream_client_reconnects_total 1
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expMetrics),
		"taskstream_client_frames_total",
		"taskstream_client_open_channels",
		"taskstream_client_reconnects_total",
	)
	require.NoError(err)
}

func TestConnectionConnectedTracksChannel(t *testing.T) {
	require := require.New(t)

	tr := fake.NewTransport(
		fake.Session{Frames: []event.Frame{frame("1", "log", `{"message":"a"}`)}, Err: errors.New("reset")},
	)
	c, err := stream.NewConnection(stream.ConnectionConfig{
		TaskID:         "5",
		Transport:      tr,
		ReconnectDelay: time.Millisecond,
	})
	require.NoError(err)

	c.Start(context.Background())
	defer c.Close()

	// First channel fails, the second one stays open.
	waitOpen(t, tr)
	call := waitOpen(t, tr)
	assert.Equal(t, model.Cursor("1"), call.Resume)

	require.Eventually(func() bool {
		return c.Phase() == stream.PhaseOpen && c.State().Connected
	}, testTimeout, time.Millisecond)

	c.Close()
	state := c.State()
	assert.False(t, state.Connected)
	assert.Nil(t, state.Done)
	assert.Empty(t, state.Error)
	assert.Equal(t, []string{"a"}, logMessages(state))
	assert.Equal(t, stream.PhaseTerminated, c.Phase())
	assert.Equal(t, 2, tr.ClosedChannels())
}

func TestConnectionCloseWhileWaitingToReconnect(t *testing.T) {
	require := require.New(t)

	tr := fake.NewTransport(fake.Session{OpenErr: errors.New("refused")})
	c, err := stream.NewConnection(stream.ConnectionConfig{
		TaskID:         "5",
		Transport:      tr,
		ReconnectDelay: time.Hour,
	})
	require.NoError(err)

	c.Start(context.Background())
	waitOpen(t, tr)
	require.Eventually(func() bool {
		return c.Phase() == stream.PhaseReconnecting
	}, testTimeout, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(testTimeout):
		t.Fatal("close didn't cancel the reconnection wait")
	}

	assert.Len(t, tr.Opens(), 1)
	assert.False(t, c.State().Connected)
}

func TestConnectionParentContextCancel(t *testing.T) {
	require := require.New(t)

	tr := fake.NewTransport()
	c, err := stream.NewConnection(stream.ConnectionConfig{TaskID: "5", Transport: tr})
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	waitOpen(t, tr)

	cancel()
	waitDone(t, c)
	assert.Equal(t, 1, tr.ClosedChannels())
	assert.Len(t, tr.Opens(), 1)
}

func TestConnectionCloseWithoutStart(t *testing.T) {
	tr := fake.NewTransport()
	c, err := stream.NewConnection(stream.ConnectionConfig{TaskID: "5", Transport: tr})
	require.NoError(t, err)

	c.Close()
	c.Close()
	c.Start(context.Background())

	waitDone(t, c)
	_, ok := <-c.Updates()
	assert.False(t, ok)
	assert.Equal(t, stream.PhaseTerminated, c.Phase())
	assert.Empty(t, tr.Opens())
}

func TestConnectionWithMockTransport(t *testing.T) {
	require := require.New(t)

	mch := &transportmock.MockChannel{}
	mch.On("Next").Once().Return(frame("10", "done", `{"task_id":5,"status":"cancelled"}`), nil)
	mch.On("Close").Once().Return(nil)

	mt := &transportmock.MockTransport{}
	mt.On("Open", mock.Anything, "5", model.Cursor("")).Once().Return(nil, errors.New("refused"))
	mt.On("Open", mock.Anything, "5", model.Cursor("")).Once().Return(mch, nil)

	c, err := stream.NewConnection(stream.ConnectionConfig{
		TaskID:         "5",
		Transport:      mt,
		ReconnectDelay: time.Millisecond,
	})
	require.NoError(err)

	c.Start(context.Background())
	waitDone(t, c)

	state := c.State()
	require.NotNil(state.Done)
	assert.Equal(t, model.TaskStatusCancelled, state.Done.Status)
	mt.AssertExpectations(t)
	mch.AssertExpectations(t)
}
