package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slok/taskstream/internal/log"
	"github.com/slok/taskstream/internal/metrics"
	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/transport"
)

// SubscriberConfig is the configuration of a subscriber.
type SubscriberConfig struct {
	Transport       transport.Transport
	ReconnectDelay  time.Duration
	MetricsRecorder metrics.Recorder
	Logger          log.Logger
}

func (c *SubscriberConfig) defaults() error {
	if c.Transport == nil {
		return fmt.Errorf("transport is required")
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = metrics.Noop
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Subscriber owns the connection of the task a consumer is looking at. Asking
// for a different task tears down the previous connection and starts a fresh
// state.
type Subscriber struct {
	cfg    SubscriberConfig
	logger log.Logger

	mu     sync.Mutex
	conn   *Connection
	closed bool
}

// NewSubscriber returns a new subscriber.
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Subscriber{
		cfg:    cfg,
		logger: cfg.Logger.WithValues(log.Kv{"svc": "stream.Subscriber"}),
	}, nil
}

// Subscribe returns the connection for the task, starting it if required.
//
// The connection of the same task is reused while it runs or once its task is
// done, so a finished task is never streamed again. A connection that stopped
// before done, like one whose context was cancelled, is replaced. An empty task id or a disabled
// subscription tears down the current connection and returns nil.
func (s *Subscriber) Subscribe(ctx context.Context, taskID string, enabled bool) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("subscriber: %w", model.ErrClosed)
	}

	if taskID == "" || !enabled {
		s.teardown()
		return nil, nil
	}

	if s.conn != nil && s.conn.TaskID() == taskID && reusable(s.conn) {
		return s.conn, nil
	}

	conn, err := NewConnection(ConnectionConfig{
		TaskID:          taskID,
		Transport:       s.cfg.Transport,
		ReconnectDelay:  s.cfg.ReconnectDelay,
		MetricsRecorder: s.cfg.MetricsRecorder,
		Logger:          s.cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create connection: %w", err)
	}

	s.teardown()
	s.conn = conn
	conn.Start(ctx)
	s.logger.Debugf("Subscribed to task %s (lifetime: %s)", taskID, conn.ID())

	return conn, nil
}

// Reset tears down the current connection and discards its state, nothing is
// reopened until the next Subscribe.
func (s *Subscriber) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown()
}

// Close releases the current connection. The subscriber can't be used afterwards.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown()
	s.closed = true
}

// reusable returns true when the connection is still running or its task is
// done. A connection stopped before done is replaced by a new lifetime.
func reusable(c *Connection) bool {
	select {
	case <-c.Done():
		return c.State().Terminal()
	default:
		return true
	}
}

func (s *Subscriber) teardown() {
	if s.conn == nil {
		return
	}

	s.logger.Debugf("Tearing down task %s (lifetime: %s)", s.conn.TaskID(), s.conn.ID())
	s.conn.Close()
	s.conn = nil
}
