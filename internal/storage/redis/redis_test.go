package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/taskstream/internal/event"
	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/storage"
	"github.com/slok/taskstream/internal/storage/redis"
	"github.com/slok/taskstream/internal/storage/storagetest"
)

func newTestRepository(t *testing.T) (*redis.Repository, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo, err := redis.NewRepository(redis.RepositoryConfig{Client: client})
	require.NoError(t, err)

	return repo, mr
}

func TestRepository(t *testing.T) {
	storagetest.TestEventRepository(t, func(t *testing.T) (storage.EventRepository, func(time.Duration)) {
		repo, mr := newTestRepository(t)
		return repo, mr.FastForward
	})
}

func TestRepositoryInvalidConfig(t *testing.T) {
	_, err := redis.NewRepository(redis.RepositoryConfig{})
	assert.Error(t, err)
}

func TestRepositoryStoredFormat(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	repo, mr := newTestRepository(t)

	_, err := repo.AppendEvent(ctx, "5", "status", []byte(`{"status":"running"}`))
	require.NoError(err)
	_, err = repo.AppendEvent(ctx, "5", "log", []byte(`not json`))
	require.NoError(err)

	items, err := mr.List("codegen:stream:5")
	require.NoError(err)
	assert.Equal(t, []string{
		`{"type":"status","data":{"status":"running"}}`,
		`{"type":"log","raw":"not json"}`,
	}, items)

	frames, err := repo.ListEventsAfter(ctx, "5", "")
	require.NoError(err)
	assert.Equal(t, []event.Frame{
		{Label: "status", Cursor: "1", Data: []byte(`{"status":"running"}`)},
		{Label: "log", Cursor: "2", Data: []byte(`not json`)},
	}, frames)
}

func TestRepositorySkipsUndecodableItems(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	repo, mr := newTestRepository(t)

	_, err := mr.Push("codegen:stream:5", `{"type":"status","data":{"status":"running"}}`, `{broken`, `{"type":"error","data":{"message":"boom"}}`)
	require.NoError(err)

	frames, err := repo.ListEventsAfter(ctx, "5", "")
	require.NoError(err)
	require.Len(frames, 2)
	assert.Equal(t, model.Cursor("1"), frames[0].Cursor)
	assert.Equal(t, model.Cursor("3"), frames[1].Cursor)
	assert.Equal(t, "error", frames[1].Label)
}
