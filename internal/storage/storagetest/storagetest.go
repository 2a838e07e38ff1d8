// Package storagetest has the behavior tests shared by every event repository implementation.
package storagetest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/taskstream/internal/event"
	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/storage"
)

// NewRepositoryFunc returns a fresh repository and a function that moves its clock forward.
type NewRepositoryFunc func(t *testing.T) (repo storage.EventRepository, advance func(time.Duration))

func appendEvents(ctx context.Context, t *testing.T, repo storage.EventRepository, taskID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := repo.AppendEvent(ctx, taskID, "log", []byte(`{"message":"m"}`))
		require.NoError(t, err)
	}
}

// TestEventRepository runs the event repository behavior tests.
func TestEventRepository(t *testing.T, newRepo NewRepositoryFunc) {
	tests := map[string]struct {
		actions func(ctx context.Context, t *testing.T, repo storage.EventRepository, advance func(time.Duration))
	}{
		"Appending events should assign increasing positions per task.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.EventRepository, _ func(time.Duration)) {
				f1, err := repo.AppendEvent(ctx, "1", "status", []byte(`{"status":"running"}`))
				require.NoError(t, err)
				f2, err := repo.AppendEvent(ctx, "1", "done", []byte(`{"task_id":1,"status":"completed"}`))
				require.NoError(t, err)
				f3, err := repo.AppendEvent(ctx, "2", "status", []byte(`{"status":"pending"}`))
				require.NoError(t, err)

				assert.Equal(t, event.Frame{Label: "status", Cursor: "1", Data: []byte(`{"status":"running"}`)}, f1)
				assert.Equal(t, event.Frame{Label: "done", Cursor: "2", Data: []byte(`{"task_id":1,"status":"completed"}`)}, f2)
				assert.Equal(t, model.Cursor("1"), f3.Cursor)
			},
		},

		"Listing events without cursor should return the full log.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.EventRepository, _ func(time.Duration)) {
				appendEvents(ctx, t, repo, "1", 3)

				frames, err := repo.ListEventsAfter(ctx, "1", "")
				require.NoError(t, err)
				require.Len(t, frames, 3)
				assert.Equal(t, model.Cursor("1"), frames[0].Cursor)
				assert.Equal(t, model.Cursor("3"), frames[2].Cursor)
				assert.Equal(t, "log", frames[0].Label)
				assert.Equal(t, []byte(`{"message":"m"}`), frames[0].Data)
			},
		},

		"Listing events after a cursor should return only the later ones.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.EventRepository, _ func(time.Duration)) {
				appendEvents(ctx, t, repo, "1", 9)

				frames, err := repo.ListEventsAfter(ctx, "1", "7")
				require.NoError(t, err)
				require.Len(t, frames, 2)
				assert.Equal(t, model.Cursor("8"), frames[0].Cursor)
				assert.Equal(t, model.Cursor("9"), frames[1].Cursor)

				frames, err = repo.ListEventsAfter(ctx, "1", "9")
				require.NoError(t, err)
				assert.Empty(t, frames)

				frames, err = repo.ListEventsAfter(ctx, "1", "100")
				require.NoError(t, err)
				assert.Empty(t, frames)
			},
		},

		"Listing events of a missing task should be empty.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.EventRepository, _ func(time.Duration)) {
				frames, err := repo.ListEventsAfter(ctx, "missing", "")
				require.NoError(t, err)
				assert.Empty(t, frames)

				frames, total, err := repo.ListEvents(ctx, "missing", 0, 10)
				require.NoError(t, err)
				assert.Empty(t, frames)
				assert.Equal(t, int64(0), total)
			},
		},

		"Listing events after an invalid cursor should fail.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.EventRepository, _ func(time.Duration)) {
				_, err := repo.ListEventsAfter(ctx, "1", "abc")
				assert.ErrorIs(t, err, model.ErrNotValid)
			},
		},

		"Listing a page should return the page and the total.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.EventRepository, _ func(time.Duration)) {
				appendEvents(ctx, t, repo, "1", 5)

				frames, total, err := repo.ListEvents(ctx, "1", 1, 2)
				require.NoError(t, err)
				assert.Equal(t, int64(5), total)
				require.Len(t, frames, 2)
				assert.Equal(t, model.Cursor("2"), frames[0].Cursor)
				assert.Equal(t, model.Cursor("3"), frames[1].Cursor)

				frames, total, err = repo.ListEvents(ctx, "1", 4, 10)
				require.NoError(t, err)
				assert.Equal(t, int64(5), total)
				require.Len(t, frames, 1)
				assert.Equal(t, model.Cursor("5"), frames[0].Cursor)

				frames, _, err = repo.ListEvents(ctx, "1", 10, 10)
				require.NoError(t, err)
				assert.Empty(t, frames)
			},
		},

		"Listing a page with huge bounds should not overflow.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.EventRepository, _ func(time.Duration)) {
				appendEvents(ctx, t, repo, "1", 3)

				frames, total, err := repo.ListEvents(ctx, "1", 1, math.MaxInt64)
				require.NoError(t, err)
				assert.Equal(t, int64(3), total)
				require.Len(t, frames, 2)
				assert.Equal(t, model.Cursor("2"), frames[0].Cursor)
				assert.Equal(t, model.Cursor("3"), frames[1].Cursor)

				frames, _, err = repo.ListEvents(ctx, "1", math.MaxInt64, math.MaxInt64)
				require.NoError(t, err)
				assert.Empty(t, frames)
			},
		},

		"Expired task logs should be removed after the TTL.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.EventRepository, advance func(time.Duration)) {
				appendEvents(ctx, t, repo, "1", 2)
				appendEvents(ctx, t, repo, "2", 2)

				require.NoError(t, repo.ExpireEvents(ctx, "1", time.Hour))

				advance(30 * time.Minute)
				frames, err := repo.ListEventsAfter(ctx, "1", "")
				require.NoError(t, err)
				assert.Len(t, frames, 2)

				advance(time.Hour)
				frames, err = repo.ListEventsAfter(ctx, "1", "")
				require.NoError(t, err)
				assert.Empty(t, frames)

				frames, err = repo.ListEventsAfter(ctx, "2", "")
				require.NoError(t, err)
				assert.Len(t, frames, 2)
			},
		},

		"Expiring a missing task should not fail.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.EventRepository, _ func(time.Duration)) {
				assert.NoError(t, repo.ExpireEvents(ctx, "missing", time.Hour))
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			repo, advance := newRepo(t)
			test.actions(context.Background(), t, repo, advance)
		})
	}
}
