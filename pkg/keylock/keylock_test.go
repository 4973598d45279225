package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLock_SerializesSameKey(t *testing.T) {
	l := New()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(ctx, "user:1", func() error {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "critical sections for the same key overlapped")
	assert.Equal(t, 0, l.Len(), "entries should be reclaimed after use")
}

func TestWithLock_DifferentKeysRunConcurrently(t *testing.T) {
	l := New()
	ctx := context.Background()

	started := make(chan string, 2)
	proceed := make(chan struct{})

	var wg sync.WaitGroup
	for _, key := range []string{"user:1", "user:2"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_ = l.WithLock(ctx, k, func() error {
				started <- k
				<-proceed
				return nil
			})
		}(key)
	}

	// Both critical sections must be able to enter before either exits.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("critical sections on different keys blocked each other")
		}
	}
	close(proceed)
	wg.Wait()
}

func TestWithLock_ContextCancelled(t *testing.T) {
	l := New()

	release, ok := l.TryLock("user:1")
	require.True(t, ok)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.WithLock(ctx, "user:1", func() error {
		t.Fatal("critical section ran despite cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTryLock(t *testing.T) {
	l := New()

	release, ok := l.TryLock("job:sync")
	require.True(t, ok)

	_, ok = l.TryLock("job:sync")
	assert.False(t, ok, "second TryLock on held key should fail")

	// Double release must be safe.
	release()
	release()

	release2, ok := l.TryLock("job:sync")
	require.True(t, ok)
	release2()

	assert.Equal(t, 0, l.Len())
}

func TestWithLock_ErrorPropagates(t *testing.T) {
	l := New()

	want := assert.AnError
	err := l.WithLock(context.Background(), "k", func() error { return want })
	assert.ErrorIs(t, err, want)

	// Lock must be free again afterwards.
	release, ok := l.TryLock("k")
	require.True(t, ok)
	release()
}
