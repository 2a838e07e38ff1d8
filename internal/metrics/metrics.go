// Package metrics defines how the stream components report their activity.
package metrics

import "context"

// FrameOutcome is what the stream connection did with a received frame.
type FrameOutcome string

const (
	FrameOutcomeAccepted  FrameOutcome = "accepted"
	FrameOutcomeDuplicate FrameOutcome = "duplicate"
	FrameOutcomeMalformed FrameOutcome = "malformed"
)

// Recorder knows how to record stream client and hub metrics.
type Recorder interface {
	ObserveFrame(ctx context.Context, label string, outcome FrameOutcome)
	IncReconnect(ctx context.Context)
	AddOpenChannels(ctx context.Context, delta int)
	ObserveHubPublish(ctx context.Context, label string)
	AddHubSubscribers(ctx context.Context, delta int)
}

// Noop recorder doesn't record anything.
const Noop = noop(0)

type noop int

func (noop) ObserveFrame(context.Context, string, FrameOutcome) {}
func (noop) IncReconnect(context.Context)                       {}
func (noop) AddOpenChannels(context.Context, int)               {}
func (noop) ObserveHubPublish(context.Context, string)          {}
func (noop) AddHubSubscribers(context.Context, int)             {}

var _ Recorder = Noop
