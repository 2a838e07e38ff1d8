// Package hub fans out the events of running tasks to their stream subscribers
// and keeps a replay log so subscribers can resume after a disconnection.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slok/taskstream/internal/event"
	"github.com/slok/taskstream/internal/log"
	"github.com/slok/taskstream/internal/metrics"
	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/storage"
)

const (
	// DefaultDoneTTL is how long the replay log of a finished task is kept.
	DefaultDoneTTL = 24 * time.Hour
	// DefaultSubscriberBuffer is the number of live events a subscriber can fall behind.
	DefaultSubscriberBuffer = 256
)

// Config is the configuration of the hub.
type Config struct {
	Repository       storage.EventRepository
	DoneTTL          time.Duration
	SubscriberBuffer int
	MetricsRecorder  metrics.Recorder
	Logger           log.Logger
}

func (c *Config) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.DoneTTL <= 0 {
		c.DoneTTL = DefaultDoneTTL
	}

	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = DefaultSubscriberBuffer
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = metrics.Noop
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "hub.Hub"})

	return nil
}

// Hub stores and broadcasts task events.
type Hub struct {
	repo     storage.EventRepository
	doneTTL  time.Duration
	buffer   int
	recorder metrics.Recorder
	logger   log.Logger

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// New returns a new hub.
func New(cfg Config) (*Hub, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Hub{
		repo:     cfg.Repository,
		doneTTL:  cfg.DoneTTL,
		buffer:   cfg.SubscriberBuffer,
		recorder: cfg.MetricsRecorder,
		logger:   cfg.Logger,
		subs:     map[string]map[*Subscription]struct{}{},
	}, nil
}

// Subscription receives the live events of a task.
type Subscription struct {
	taskID    string
	ch        chan event.Frame
	lagged    bool
	closeOnce sync.Once
	hub       *Hub
}

// Events returns the live events. The channel is closed when the subscription
// is closed or when the subscriber fell too far behind, Lagged tells both apart.
func (s *Subscription) Events() <-chan event.Frame { return s.ch }

// Lagged returns true if the subscription was dropped for being too slow.
func (s *Subscription) Lagged() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.lagged
}

// Close unsubscribes, it's safe to call it multiple times.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.remove(s)
}

// Publish appends an event to the task log and sends it to the live subscribers.
// Subscribers that can't keep up are dropped, they will resume from the log.
func (h *Hub) Publish(ctx context.Context, taskID, label string, data []byte) (event.Frame, error) {
	h.mu.Lock()
	f, err := h.repo.AppendEvent(ctx, taskID, label, data)
	if err != nil {
		h.mu.Unlock()
		return event.Frame{}, fmt.Errorf("could not store event: %w", err)
	}

	for s := range h.subs[taskID] {
		select {
		case s.ch <- f:
		default:
			h.logger.Warningf("Dropping lagged subscriber of task %s", taskID)
			s.lagged = true
			h.remove(s)
		}
	}
	h.mu.Unlock()

	h.recorder.ObserveHubPublish(ctx, label)

	if event.Kind(label) == event.KindDone {
		if err := h.repo.ExpireEvents(ctx, taskID, h.doneTTL); err != nil {
			h.logger.Errorf("Could not set task %s events expiration: %s", taskID, err)
		}
	}

	return f, nil
}

// Subscribe returns the stored events after the cursor and a subscription to
// the events published afterwards. No event is lost between both.
func (h *Hub) Subscribe(ctx context.Context, taskID string, after model.Cursor) ([]event.Frame, *Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay, err := h.repo.ListEventsAfter(ctx, taskID, after)
	if err != nil {
		return nil, nil, fmt.Errorf("could not list events: %w", err)
	}

	s := &Subscription{
		taskID: taskID,
		ch:     make(chan event.Frame, h.buffer),
		hub:    h,
	}
	if h.subs[taskID] == nil {
		h.subs[taskID] = map[*Subscription]struct{}{}
	}
	h.subs[taskID][s] = struct{}{}
	h.recorder.AddHubSubscribers(ctx, 1)

	return replay, s, nil
}

// Events returns a page of the task log and the total number of stored events.
func (h *Hub) Events(ctx context.Context, taskID string, offset, limit int64) ([]event.Frame, int64, error) {
	return h.repo.ListEvents(ctx, taskID, offset, limit)
}

// remove must be called with the lock held.
func (h *Hub) remove(s *Subscription) {
	subs, ok := h.subs[s.taskID]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}

	delete(subs, s)
	if len(subs) == 0 {
		delete(h.subs, s.taskID)
	}
	s.closeOnce.Do(func() { close(s.ch) })
	h.recorder.AddHubSubscribers(context.Background(), -1)
}
