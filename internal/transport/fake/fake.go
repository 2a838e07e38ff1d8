// Package fake implements a scripted in-memory transport.
//
// Every Open call consumes the next scripted session. Once the sessions are
// exhausted Open returns idle channels that block until they are closed.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/slok/taskstream/internal/event"
	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/transport"
)

// Session is the script of a single Open call.
type Session struct {
	// OpenErr makes Open fail.
	OpenErr error
	// Frames are delivered in order.
	Frames []event.Frame
	// Err is returned after the frames, when nil the channel blocks until closed.
	Err error
}

// OpenCall records the arguments of an Open call.
type OpenCall struct {
	TaskID string
	Resume model.Cursor
}

// Transport is a scripted transport.Transport.
type Transport struct {
	mu       sync.Mutex
	sessions []Session
	opens    []OpenCall
	closed   int
	openCh   chan OpenCall
}

// NewTransport returns a transport that plays the sessions in order.
func NewTransport(sessions ...Session) *Transport {
	return &Transport{
		sessions: sessions,
		openCh:   make(chan OpenCall, 1024),
	}
}

var _ transport.Transport = &Transport{}

func (t *Transport) Open(ctx context.Context, taskID string, resume model.Cursor) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	call := OpenCall{TaskID: taskID, Resume: resume}
	t.opens = append(t.opens, call)
	s := Session{}
	if len(t.sessions) > 0 {
		s = t.sessions[0]
		t.sessions = t.sessions[1:]
	}
	t.mu.Unlock()

	select {
	case t.openCh <- call:
	default:
	}

	if s.OpenErr != nil {
		return nil, fmt.Errorf("fake open: %w", s.OpenErr)
	}

	return &channel{
		ctx:     ctx,
		frames:  s.Frames,
		err:     s.Err,
		closeCh: make(chan struct{}),
		onClose: t.channelClosed,
	}, nil
}

// Opens returns the recorded Open calls.
func (t *Transport) Opens() []OpenCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]OpenCall{}, t.opens...)
}

// OpenCalls notifies every Open call, it lets tests wait for reconnections.
func (t *Transport) OpenCalls() <-chan OpenCall {
	return t.openCh
}

// ClosedChannels returns how many channels have been closed.
func (t *Transport) ClosedChannels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) channelClosed() {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
}

type channel struct {
	ctx       context.Context
	frames    []event.Frame
	err       error
	closeCh   chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func (c *channel) Next() (event.Frame, error) {
	select {
	case <-c.closeCh:
		return event.Frame{}, model.ErrClosed
	case <-c.ctx.Done():
		return event.Frame{}, c.ctx.Err()
	default:
	}

	if len(c.frames) > 0 {
		f := c.frames[0]
		c.frames = c.frames[1:]
		return f, nil
	}

	if c.err != nil {
		return event.Frame{}, c.err
	}

	select {
	case <-c.closeCh:
		return event.Frame{}, model.ErrClosed
	case <-c.ctx.Done():
		return event.Frame{}, c.ctx.Err()
	}
}

func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.onClose()
	})
	return nil
}
