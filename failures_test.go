package xsbus

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureTrackerThreshold(t *testing.T) {
	ft := NewFailureTracker(3, nil)
	cause := errors.New("boom")

	assert.False(t, ft.HasFailedTooManyTimes("m-1"))
	assert.Equal(t, 1, ft.RecordFailure("m-1", cause))
	assert.Equal(t, 2, ft.RecordFailure("m-1", cause))
	assert.False(t, ft.HasFailedTooManyTimes("m-1"))
	assert.Equal(t, 3, ft.RecordFailure("m-1", cause))
	assert.True(t, ft.HasFailedTooManyTimes("m-1"))
	assert.False(t, ft.HasFailedTooManyTimes("m-2"))

	rec, ok := ft.Failure("m-1")
	require.True(t, ok)
	assert.Equal(t, 3, rec.Count)
	assert.Equal(t, cause, rec.LastError)
	assert.False(t, rec.FirstFailure.IsZero())
	assert.False(t, rec.LastFailure.Before(rec.FirstFailure))
}

func TestFailureTrackerClear(t *testing.T) {
	ft := NewFailureTracker(1, nil)
	ft.RecordFailure("m-1", errors.New("x"))
	ft.RecordFailure("m-2", errors.New("y"))
	assert.Equal(t, 2, ft.Len())

	ft.ClearFailure("m-1")
	ft.ClearFailure("unknown")
	assert.Equal(t, 1, ft.Len())
	_, ok := ft.Failure("m-1")
	assert.False(t, ok)

	assert.Equal(t, 1, ft.RecordFailure("m-1", errors.New("again")), "count restarts after clear")
}

func TestFailureTrackerDefaultThreshold(t *testing.T) {
	assert.Equal(t, DefaultMaxRetries, NewFailureTracker(0, nil).MaxRetries())
	assert.Equal(t, 7, NewFailureTracker(7, nil).MaxRetries())
}

func TestFailureTrackerConcurrentWorkers(t *testing.T) {
	ft := NewFailureTracker(1000, nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ft.RecordFailure(fmt.Sprintf("m-%d", i%10), errors.New("x"))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ft.Len())
	for i := 0; i < 10; i++ {
		rec, ok := ft.Failure(fmt.Sprintf("m-%d", i))
		require.True(t, ok)
		assert.Equal(t, 80, rec.Count)
	}
}
