package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slok/taskstream/internal/event"
	"github.com/slok/taskstream/internal/log"
	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/storage"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger  log.Logger
	TimeNow func() time.Time
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})

	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}

	return nil
}

type taskLog struct {
	frames    []event.Frame
	expiresAt time.Time
}

// Repository is an in-memory implementation of storage.EventRepository.
type Repository struct {
	logs    map[string]*taskLog
	mu      sync.Mutex
	timeNow func() time.Time
	logger  log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		logs:    make(map[string]*taskLog),
		timeNow: cfg.TimeNow,
		logger:  cfg.Logger,
	}, nil
}

var _ storage.EventRepository = &Repository{}

// AppendEvent stores an event at the end of the task log.
func (r *Repository) AppendEvent(ctx context.Context, taskID string, label string, data []byte) (event.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.getLog(taskID)
	if l == nil {
		l = &taskLog{}
		r.logs[taskID] = l
	}

	f := event.Frame{
		Label:  label,
		Cursor: storage.PositionCursor(int64(len(l.frames)) + 1),
		Data:   append([]byte(nil), data...),
	}
	l.frames = append(l.frames, f)
	r.logger.Debugf("Appended %s event %s to task %s", label, f.Cursor, taskID)

	return f, nil
}

// ListEventsAfter returns the events stored strictly after the cursor.
func (r *Repository) ListEventsAfter(ctx context.Context, taskID string, after model.Cursor) ([]event.Frame, error) {
	pos, err := storage.CursorPosition(after)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.getLog(taskID)
	if l == nil || pos >= int64(len(l.frames)) {
		return []event.Frame{}, nil
	}

	// Frames are never modified once appended so they can be shared.
	return append([]event.Frame{}, l.frames[pos:]...), nil
}

// ListEvents returns a page of the task log and the total number of events.
func (r *Repository) ListEvents(ctx context.Context, taskID string, offset, limit int64) ([]event.Frame, int64, error) {
	if offset < 0 || limit < 0 {
		return nil, 0, fmt.Errorf("offset and limit must be positive: %w", model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.getLog(taskID)
	if l == nil {
		return []event.Frame{}, 0, nil
	}

	total := int64(len(l.frames))
	if offset >= total {
		return []event.Frame{}, total, nil
	}
	end := total
	if limit < total-offset {
		end = offset + limit
	}

	return append([]event.Frame{}, l.frames[offset:end]...), total, nil
}

// ExpireEvents removes the task log once ttl has passed.
func (r *Repository) ExpireEvents(ctx context.Context, taskID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.getLog(taskID)
	if l == nil {
		return nil
	}
	l.expiresAt = r.timeNow().Add(ttl)
	r.logger.Debugf("Task %s events expire at %s", taskID, l.expiresAt)

	return nil
}

// getLog returns the task log, removing it if expired. Must be called with the lock held.
func (r *Repository) getLog(taskID string) *taskLog {
	l, ok := r.logs[taskID]
	if !ok {
		return nil
	}

	if !l.expiresAt.IsZero() && !r.timeNow().Before(l.expiresAt) {
		delete(r.logs, taskID)
		r.logger.Debugf("Expired task %s events", taskID)
		return nil
	}

	return l
}
