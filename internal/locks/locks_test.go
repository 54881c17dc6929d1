package locks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
)

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	s := NewSet()
	release, err := s.Acquire(context.Background(), time.Second, "a")
	require.NoError(t, err)

	_, err = s.Acquire(context.Background(), 20*time.Millisecond, "b", "a")
	assert.True(t, apperr.Is(err, apperr.Busy))

	// the failed call must not keep "b"
	releaseB, err := s.Acquire(context.Background(), 20*time.Millisecond, "b")
	require.NoError(t, err)
	releaseB()

	release()
	releaseA, err := s.Acquire(context.Background(), 20*time.Millisecond, "a")
	require.NoError(t, err)
	releaseA()
}

func TestAcquireHonorsContext(t *testing.T) {
	s := NewSet()
	release, err := s.Acquire(context.Background(), time.Second, "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Acquire(ctx, time.Second, "a")
	assert.True(t, apperr.Is(err, apperr.Busy))
}

func TestAcquireDuplicateKeys(t *testing.T) {
	s := NewSet()
	release, err := s.Acquire(context.Background(), 20*time.Millisecond, "a", "a")
	require.NoError(t, err)
	release()
}

func TestTryAcquire(t *testing.T) {
	s := NewSet()
	release, ok := s.TryAcquire("x")
	require.True(t, ok)
	_, ok = s.TryAcquire("x")
	assert.False(t, ok)
	release()
	release2, ok := s.TryAcquire("x")
	require.True(t, ok)
	release2()
}

func TestOverlappingAcquireSerializes(t *testing.T) {
	s := NewSet()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		keys := []string{"a", "b"}
		if i%2 == 0 {
			keys = []string{"b", "a"}
		}
		go func() {
			defer wg.Done()
			release, err := s.Acquire(context.Background(), 5*time.Second, keys...)
			if err != nil {
				t.Error(err)
				return
			}
			counter++
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestReleasedKeysAreForgotten(t *testing.T) {
	s := NewSet()
	for i := 0; i < 1000; i++ {
		release, err := s.Acquire(context.Background(), time.Second, fmt.Sprintf("acct-%d", i), "shared")
		require.NoError(t, err)
		release()
	}
	release, ok := s.TryAcquire("x")
	require.True(t, ok)
	_, ok = s.TryAcquire("x")
	require.False(t, ok)
	release()

	held, err := s.Acquire(context.Background(), time.Second, "busy")
	require.NoError(t, err)
	_, err = s.Acquire(context.Background(), 10*time.Millisecond, "a", "busy")
	require.Error(t, err)
	assert.Len(t, s.tokens, 1)
	held()

	assert.Empty(t, s.tokens)
}

func TestKeyStaysWhileWaiterQueued(t *testing.T) {
	s := NewSet()
	release, err := s.Acquire(context.Background(), time.Second, "a")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		r, err := s.Acquire(context.Background(), 5*time.Second, "a")
		if err == nil {
			r()
		}
		done <- err
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.tokens["a"] != nil && s.tokens["a"].refs == 2
	}, time.Second, time.Millisecond)

	release()
	require.NoError(t, <-done)
	assert.Empty(t, s.tokens)
}
