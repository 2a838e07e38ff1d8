package memory_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slok/taskstream/internal/log"
	"github.com/slok/taskstream/internal/storage"
	"github.com/slok/taskstream/internal/storage/memory"
	"github.com/slok/taskstream/internal/storage/storagetest"
)

func TestRepository(t *testing.T) {
	storagetest.TestEventRepository(t, func(t *testing.T) (storage.EventRepository, func(time.Duration)) {
		var mu sync.Mutex
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		repo, err := memory.NewRepository(memory.RepositoryConfig{
			Logger: log.Noop,
			TimeNow: func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				return now
			},
		})
		require.NoError(t, err)

		advance := func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(d)
		}

		return repo, advance
	})
}
