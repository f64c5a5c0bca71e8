package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsBadSchedule(t *testing.T) {
	scheduler := New()
	err := scheduler.Add("broken", "not a schedule", 0, func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestAddAcceptsStandardSpecs(t *testing.T) {
	scheduler := New()
	noop := func(context.Context) error { return nil }
	require.NoError(t, scheduler.Add("five-fields", "*/5 * * * *", 0, noop))
	require.NoError(t, scheduler.Add("descriptor", "@every 10m", 0, noop))
	require.NoError(t, scheduler.Add("hourly", "@hourly", 0, noop))
}

func TestWrapSkipsOverlappingRuns(t *testing.T) {
	scheduler := New()
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32

	run := scheduler.wrap("slow", 0, func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		run()
		close(done)
	}()
	<-started

	run()
	close(release)
	<-done

	assert.Equal(t, int32(1), runs.Load())
}

func TestWrapAppliesTimeout(t *testing.T) {
	scheduler := New()
	var got error
	run := scheduler.wrap("bounded", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		got = ctx.Err()
		return got
	})
	run()
	assert.True(t, errors.Is(got, context.DeadlineExceeded))
}

func TestStopCancelsRunningJobs(t *testing.T) {
	scheduler := New()
	started := make(chan struct{})
	finished := make(chan error, 1)

	run := scheduler.wrap("long", 0, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
		return nil
	})
	go run()
	<-started

	scheduler.Start()
	scheduler.Stop()

	select {
	case err := <-finished:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("job was not cancelled")
	}
}
