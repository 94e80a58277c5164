package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tableFactory создаёт Table и функцию сдвига времени.
type tableFactory func(t *testing.T) (Table, func(time.Duration))

func memoryFactory(t *testing.T) (Table, func(time.Duration)) {
	t.Helper()
	var (
		mu  sync.Mutex
		now = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	)
	table := NewMemoryTable()
	table.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	return table, func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}
}

func redisFactory(t *testing.T) (Table, func(time.Duration)) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisTable(RedisConfig{Client: client}), mr.FastForward
}

var factories = map[string]tableFactory{
	"memory": memoryFactory,
	"redis":  redisFactory,
}

func TestTable_AcquireRelease(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			table, _ := factory(t)
			ctx := context.Background()
			id := uuid.New()

			l, err := table.Acquire(ctx, id, "worker-1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "worker-1", l.Holder)
			assert.NotEmpty(t, l.Token)

			holder, ok, err := table.Holder(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "worker-1", holder)

			_, err = table.Acquire(ctx, id, "worker-2", time.Minute)
			require.ErrorIs(t, err, ErrAlreadyRunning)

			var running *AlreadyRunningError
			require.True(t, errors.As(err, &running))
			assert.Equal(t, id, running.ApplicationID)
			assert.Equal(t, "worker-1", running.Holder)

			require.NoError(t, table.Release(ctx, l))

			_, ok, err = table.Holder(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok)

			l2, err := table.Acquire(ctx, id, "worker-2", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "worker-2", l2.Holder)
		})
	}
}

func TestTable_Expiry(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			table, advance := factory(t)
			ctx := context.Background()
			id := uuid.New()

			stale, err := table.Acquire(ctx, id, "worker-1", time.Second)
			require.NoError(t, err)

			advance(2 * time.Second)

			fresh, err := table.Acquire(ctx, id, "worker-2", time.Minute)
			require.NoError(t, err)

			// Старый владелец не может ни продлить, ни снять чужой lease
			assert.ErrorIs(t, table.Renew(ctx, stale, time.Minute), ErrLeaseLost)
			require.NoError(t, table.Release(ctx, stale))

			holder, ok, err := table.Holder(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "worker-2", holder)

			require.NoError(t, table.Release(ctx, fresh))
		})
	}
}

func TestTable_Renew(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			table, advance := factory(t)
			ctx := context.Background()
			id := uuid.New()

			l, err := table.Acquire(ctx, id, "worker-1", 2*time.Second)
			require.NoError(t, err)

			advance(time.Second)
			require.NoError(t, table.Renew(ctx, l, 2*time.Second))
			advance(1500 * time.Millisecond)

			// Без renew lease бы уже истёк
			_, err = table.Acquire(ctx, id, "worker-2", time.Second)
			assert.ErrorIs(t, err, ErrAlreadyRunning)
		})
	}
}

func TestTable_ConcurrentAcquire(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			table, _ := factory(t)
			ctx := context.Background()

			for round := 0; round < 10; round++ {
				id := uuid.New()

				var (
					wg      sync.WaitGroup
					start   = make(chan struct{})
					wins    atomic.Int32
					running atomic.Int32
				)
				for w := 0; w < 16; w++ {
					wg.Add(1)
					go func(w int) {
						defer wg.Done()
						<-start
						_, err := table.Acquire(ctx, id, fmt.Sprintf("worker-%d", w), time.Minute)
						switch {
						case err == nil:
							wins.Add(1)
						case errors.Is(err, ErrAlreadyRunning):
							running.Add(1)
						default:
							t.Errorf("unexpected error: %v", err)
						}
					}(w)
				}
				close(start)
				wg.Wait()

				assert.Equal(t, int32(1), wins.Load())
				assert.Equal(t, int32(15), running.Load())
			}
		})
	}
}

func TestDecodeValue(t *testing.T) {
	holder, token := decodeValue(encodeValue("host|1", "tok"))
	assert.Equal(t, "host|1", holder)
	assert.Equal(t, "tok", token)
}
