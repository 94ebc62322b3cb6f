package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragengine/internal/repository"
)

func sampleJob() *repository.IngestJob {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &repository.IngestJob{
		ID:        uuid.New(),
		State:     repository.JobRunning,
		Total:     4,
		Processed: 2,
		Indexed:   1,
		Errors:    []string{"b.txt: empty document"},
		CreatedAt: started.Add(-time.Minute),
		StartedAt: &started,
	}
}

func TestStores(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, time.Hour),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := sampleJob()

			require.NoError(t, store.Save(ctx, job))
			got, err := store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, job, got)

			job.Errors[0] = "mutated"
			got, err = store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, "b.txt: empty document", got.Errors[0])

			_, err = store.Get(ctx, uuid.New())
			assert.ErrorIs(t, err, repository.ErrNotFound)
		})
	}
}

func TestRedisStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, time.Minute)
	job := sampleJob()
	require.NoError(t, store.Save(context.Background(), job))

	assert.Equal(t, time.Minute, mr.TTL("ragengine:job:"+job.ID.String()))
	mr.FastForward(2 * time.Minute)

	_, err := store.Get(context.Background(), job.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
