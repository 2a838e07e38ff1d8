// Package stream keeps a live subscription to the event feed of a task and
// publishes the reduced stream state.
package stream

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/taskstream/internal/event"
	"github.com/slok/taskstream/internal/log"
	"github.com/slok/taskstream/internal/metrics"
	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/timeline"
	"github.com/slok/taskstream/internal/transport"
)

// DefaultReconnectDelay is the wait before reopening a failed channel.
const DefaultReconnectDelay = 3 * time.Second

// Phase is the lifecycle phase of a connection.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseOpen         Phase = "open"
	PhaseReconnecting Phase = "reconnecting"
	PhaseTerminated   Phase = "terminated"
)

// ErrStreamEnded is the failure used when the server ends a stream before sending done.
var ErrStreamEnded = errors.New("stream ended before done")

// ConnectionConfig is the configuration of a connection.
type ConnectionConfig struct {
	TaskID          string
	Transport       transport.Transport
	ReconnectDelay  time.Duration
	MetricsRecorder metrics.Recorder
	Logger          log.Logger
}

func (c *ConnectionConfig) defaults() error {
	if err := model.ValidateTaskID(c.TaskID); err != nil {
		return err
	}

	if c.Transport == nil {
		return fmt.Errorf("transport is required")
	}

	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = metrics.Noop
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Connection is a single lifetime of a task subscription. It starts empty,
// reconnects resuming from the last accepted cursor on every transport failure
// and terminates once the done event is received or it's closed.
type Connection struct {
	id        string
	taskID    string
	transport transport.Transport
	delay     time.Duration
	recorder  metrics.Recorder
	logger    log.Logger

	mu    sync.RWMutex
	state model.StreamState
	phase Phase

	updates   chan model.StreamState
	done      chan struct{}
	startOnce sync.Once
	cancelMu  sync.Mutex
	cancel    context.CancelFunc

	// Only accessed by the worker goroutine.
	cursor model.Cursor
}

// NewConnection returns a new idle connection.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()

	return &Connection{
		id:        id,
		taskID:    cfg.TaskID,
		transport: cfg.Transport,
		delay:     cfg.ReconnectDelay,
		recorder:  cfg.MetricsRecorder,
		logger: cfg.Logger.WithValues(log.Kv{
			"svc":      "stream.Connection",
			"task-id":  cfg.TaskID,
			"lifetime": id,
		}),
		phase:   PhaseIdle,
		updates: make(chan model.StreamState, 1),
		done:    make(chan struct{}),
	}, nil
}

// ID returns the unique identifier of this connection lifetime.
func (c *Connection) ID() string { return c.id }

// TaskID returns the task the connection is subscribed to.
func (c *Connection) TaskID() string { return c.taskID }

// Start starts streaming in the background, only the first call has effect.
// The connection stops when ctx is canceled or Close is called.
func (c *Connection) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.cancelMu.Lock()
		c.cancel = cancel
		c.cancelMu.Unlock()

		go func() {
			defer cancel()
			c.run(ctx)
		}()
	})
}

// Close stops the connection and waits until it's released. A connection
// can't be restarted.
func (c *Connection) Close() {
	// Never started, so make sure it won't be.
	c.startOnce.Do(func() {
		c.setPhase(PhaseTerminated)
		close(c.updates)
		close(c.done)
	})

	c.cancelMu.Lock()
	cancel := c.cancel
	c.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	<-c.done
}

// State returns the current stream state.
func (c *Connection) State() model.StreamState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Phase returns the current lifecycle phase.
func (c *Connection) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Updates returns the published states. It only holds the latest state, slow
// consumers skip intermediate ones. It's closed when the connection ends.
func (c *Connection) Updates() <-chan model.StreamState { return c.updates }

// Done is closed when the connection ends, either by done or by Close.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.updates)
	defer c.setPhase(PhaseTerminated)

	c.logger.Debugf("Connection started")

	for {
		terminal, err := c.session(ctx)
		if terminal {
			c.logger.Infof("Stream done")
			return
		}

		if c.State().Connected {
			c.apply(event.Lost{Err: err})
		}

		if ctx.Err() != nil {
			c.logger.Debugf("Connection stopped")
			return
		}

		c.logger.Warningf("Stream lost, reconnecting in %s: %s", c.delay, err)
		c.recorder.IncReconnect(ctx)
		c.setPhase(PhaseReconnecting)

		t := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.logger.Debugf("Connection stopped while waiting to reconnect")
			return
		case <-t.C:
		}
	}
}

// session opens a channel and consumes it until it fails or the stream is done.
func (c *Connection) session(ctx context.Context) (terminal bool, err error) {
	c.setPhase(PhaseConnecting)

	ch, err := c.transport.Open(ctx, c.taskID, c.cursor)
	if err != nil {
		return false, fmt.Errorf("could not open stream: %w", err)
	}
	defer ch.Close()

	c.recorder.AddOpenChannels(ctx, 1)
	defer c.recorder.AddOpenChannels(ctx, -1)

	c.logger.Debugf("Stream opened (resume: %q)", c.cursor)
	c.setPhase(PhaseOpen)
	c.apply(event.Opened{})

	for {
		f, err := ch.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, ErrStreamEnded
			}
			return false, fmt.Errorf("could not read frame: %w", err)
		}

		if c.accept(ctx, f) {
			return true, nil
		}
	}
}

// accept handles a received frame and returns true when it ended the stream.
func (c *Connection) accept(ctx context.Context, f event.Frame) bool {
	if !f.Cursor.IsZero() {
		if !f.Cursor.After(c.cursor) {
			c.recorder.ObserveFrame(ctx, f.Label, metrics.FrameOutcomeDuplicate)
			c.logger.Debugf("Dropping duplicated frame %q (cursor: %q)", f.Cursor, c.cursor)
			return false
		}
		c.cursor = f.Cursor
	}

	ev, ok := event.Parse(f)
	if !ok {
		c.recorder.ObserveFrame(ctx, f.Label, metrics.FrameOutcomeMalformed)
		c.logger.Debugf("Ignoring malformed %q frame %q", f.Label, f.Cursor)
		return false
	}
	c.recorder.ObserveFrame(ctx, f.Label, metrics.FrameOutcomeAccepted)

	return c.apply(ev)
}

func (c *Connection) apply(ev event.Event) (terminal bool) {
	c.mu.Lock()
	prev := c.state
	next, terminal := timeline.Reduce(prev, ev)
	c.state = next
	c.mu.Unlock()

	if next.Revision != prev.Revision {
		c.publish(next)
	}

	return terminal
}

// publish replaces the pending update, if any, with s. Only the worker sends.
func (c *Connection) publish(s model.StreamState) {
	select {
	case c.updates <- s:
		return
	default:
	}

	select {
	case <-c.updates:
	default:
	}

	select {
	case c.updates <- s:
	default:
	}
}

func (c *Connection) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}
