// Package redis implements the event repository on Redis lists, one list per task.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slok/taskstream/internal/event"
	"github.com/slok/taskstream/internal/log"
	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/storage"
)

// DefaultKeyPrefix is the prefix of the task log keys.
const DefaultKeyPrefix = "codegen:stream:"

// RepositoryConfig is the configuration for the Redis repository.
type RepositoryConfig struct {
	Client    redis.UniversalClient
	KeyPrefix string
	Logger    log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Client == nil {
		return fmt.Errorf("redis client is required")
	}

	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Redis"})

	return nil
}

// Repository is a Redis implementation of storage.EventRepository.
type Repository struct {
	client redis.UniversalClient
	prefix string
	logger log.Logger
}

// NewRepository creates a new Redis repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		client: cfg.Client,
		prefix: cfg.KeyPrefix,
		logger: cfg.Logger,
	}, nil
}

var _ storage.EventRepository = &Repository{}

// record is the stored representation of an event. Payloads that are not
// valid JSON are kept verbatim in Raw.
type record struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Raw  string          `json:"raw,omitempty"`
}

func (r *Repository) key(taskID string) string {
	return r.prefix + taskID
}

// AppendEvent stores an event at the end of the task log.
func (r *Repository) AppendEvent(ctx context.Context, taskID string, label string, data []byte) (event.Frame, error) {
	rec := record{Type: label}
	if json.Valid(data) {
		rec.Data = data
	} else {
		rec.Raw = string(data)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return event.Frame{}, fmt.Errorf("could not marshal event: %w", err)
	}

	n, err := r.client.RPush(ctx, r.key(taskID), raw).Result()
	if err != nil {
		return event.Frame{}, fmt.Errorf("could not append event: %w", err)
	}

	return event.Frame{
		Label:  label,
		Cursor: storage.PositionCursor(n),
		Data:   append([]byte(nil), data...),
	}, nil
}

// ListEventsAfter returns the events stored strictly after the cursor.
func (r *Repository) ListEventsAfter(ctx context.Context, taskID string, after model.Cursor) ([]event.Frame, error) {
	pos, err := storage.CursorPosition(after)
	if err != nil {
		return nil, err
	}

	items, err := r.client.LRange(ctx, r.key(taskID), pos, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("could not list events: %w", err)
	}

	return r.decode(taskID, pos, items), nil
}

// ListEvents returns a page of the task log and the total number of events.
func (r *Repository) ListEvents(ctx context.Context, taskID string, offset, limit int64) ([]event.Frame, int64, error) {
	if offset < 0 || limit < 0 {
		return nil, 0, fmt.Errorf("offset and limit must be positive: %w", model.ErrNotValid)
	}

	total, err := r.client.LLen(ctx, r.key(taskID)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("could not count events: %w", err)
	}

	if limit == 0 || offset >= total {
		return []event.Frame{}, total, nil
	}

	stop := total - 1
	if limit < total-offset {
		stop = offset + limit - 1
	}
	items, err := r.client.LRange(ctx, r.key(taskID), offset, stop).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("could not list events: %w", err)
	}

	return r.decode(taskID, offset, items), total, nil
}

// ExpireEvents removes the task log once ttl has passed.
func (r *Repository) ExpireEvents(ctx context.Context, taskID string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, r.key(taskID), ttl).Err(); err != nil {
		return fmt.Errorf("could not set expiration: %w", err)
	}

	return nil
}

// decode converts the list items starting at offset, undecodable items are
// skipped keeping the position of the rest.
func (r *Repository) decode(taskID string, offset int64, items []string) []event.Frame {
	frames := make([]event.Frame, 0, len(items))
	for i, item := range items {
		var rec record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			r.logger.Warningf("Skipping undecodable event %d of task %s: %s", offset+int64(i)+1, taskID, err)
			continue
		}

		data := []byte(rec.Data)
		if len(data) == 0 {
			data = []byte(rec.Raw)
		}

		frames = append(frames, event.Frame{
			Label:  rec.Type,
			Cursor: storage.PositionCursor(offset + int64(i) + 1),
			Data:   data,
		})
	}

	return frames
}
