package prometheus_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/taskstream/internal/metrics"
	metricsprometheus "github.com/slok/taskstream/internal/metrics/prometheus"
)

func TestRecorder(t *testing.T) {
	tests := map[string]struct {
		record     func(r metrics.Recorder)
		names      []string
		expMetrics string
	}{
		"Frames should be counted by label and outcome.": {
			record: func(r metrics.Recorder) {
				ctx := context.Background()
				r.ObserveFrame(ctx, "log", metrics.FrameOutcomeAccepted)
				r.ObserveFrame(ctx, "log", metrics.FrameOutcomeAccepted)
				r.ObserveFrame(ctx, "log", metrics.FrameOutcomeDuplicate)
				r.ObserveFrame(ctx, "unknown", metrics.FrameOutcomeMalformed)
			},
			names: []string{"taskstream_client_frames_total"},
			expMetrics: `
# HELP taskstream_client_frames_total Total number of frames received by stream connections.
# TYPE taskstream_client_frames_total counter
taskstream_client_frames_total{label="log",outcome="accepted"} 2
taskstream_client_frames_total{label="log",outcome="duplicate"} 1
taskstream_client_frames_total{label="unknown",outcome="malformed"} 1
`,
		},

		"Connection metrics should be recorded.": {
			record: func(r metrics.Recorder) {
				ctx := context.Background()
				r.IncReconnect(ctx)
				r.AddOpenChannels(ctx, 1)
				r.AddOpenChannels(ctx, 1)
				r.AddOpenChannels(ctx, -1)
			},
			names: []string{"taskstream_client_reconnects_total", "taskstream_client_open_channels"},
			expMetrics: `
# HELP taskstream_client_open_channels Number of stream channels currently open.
# TYPE taskstream_client_open_channels gauge
taskstream_client_open_channels 1
# HELP taskstream_client_reconnects_total Total number of scheduled stream reconnections.
# TYPE taskstream_client_reconnects_total counter
taskstream_client_reconnects_total 1
`,
		},

		"Hub metrics should be recorded.": {
			record: func(r metrics.Recorder) {
				ctx := context.Background()
				r.ObserveHubPublish(ctx, "status")
				r.ObserveHubPublish(ctx, "done")
				r.AddHubSubscribers(ctx, 2)
			},
			names: []string{"taskstream_hub_published_events_total", "taskstream_hub_subscribers"},
			expMetrics: `
# HELP taskstream_hub_published_events_total Total number of events published to the hub.
# TYPE taskstream_hub_published_events_total counter
taskstream_hub_published_events_total{label="done"} 1
taskstream_hub_published_events_total{label="status"} 1
# HELP taskstream_hub_subscribers Number of live hub subscribers.
# TYPE taskstream_hub_subscribers gauge
taskstream_hub_subscribers 2
`,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			r := metricsprometheus.NewRecorder(metricsprometheus.Config{Registerer: reg})

			test.record(r)

			err := testutil.GatherAndCompare(reg, strings.NewReader(test.expMetrics), test.names...)
			require.NoError(t, err)
		})
	}
}

func TestNoopRecorder(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.Noop.ObserveFrame(context.Background(), "log", metrics.FrameOutcomeAccepted)
		metrics.Noop.IncReconnect(context.Background())
		metrics.Noop.AddOpenChannels(context.Background(), 1)
		metrics.Noop.ObserveHubPublish(context.Background(), "log")
		metrics.Noop.AddHubSubscribers(context.Background(), 1)
	})
}
