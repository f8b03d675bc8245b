package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunTick_SkipsOverlappingRun(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	var calls atomic.Int64

	j := newJob("slow", "@every 1s", func(ctx context.Context) error {
		calls.Add(1)
		entered <- struct{}{}
		<-release
		return nil
	})

	ctx := context.Background()
	go runTickHelper(ctx, j)
	<-entered // first tick is now blocked inside release

	runTickHelper(ctx, j) // second tick while first still running
	assert.Equal(t, int64(1), j.skipped.Load())

	close(release)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestScheduler_RunTick_FailedRunResetsToIdleForNextTick(t *testing.T) {
	j := newJob("flaky", "@every 1s", func(ctx context.Context) error {
		return errors.New("boom")
	})

	runTickHelper(context.Background(), j)
	assert.Equal(t, StateIdle, j.state.Load().(State))
	assert.Equal(t, int64(1), j.failed.Load())

	// A subsequent tick is not blocked by the prior failure.
	ran := false
	j.Run = func(ctx context.Context) error { ran = true; return nil }
	runTickHelper(context.Background(), j)
	assert.True(t, ran)
}

func TestScheduler_Snapshot_ReportsAllRegisteredJobs(t *testing.T) {
	noop := func(ctx context.Context) error { return nil }
	s := New(Config{
		CollectInterval: time.Second,
		AnalyzeInterval: time.Second,
		LearnInterval:   time.Second,
		ShutdownGrace:   time.Second,
	}, noop, noop, noop)

	snaps := s.Snapshot()
	require.Len(t, snaps, 3)
	names := map[string]bool{}
	for _, snap := range snaps {
		names[snap.Name] = true
		assert.Equal(t, StateIdle, snap.State)
	}
	assert.True(t, names["collector"])
	assert.True(t, names["analyzer"])
	assert.True(t, names["learning"])
}

func TestScheduler_StartStop_GracefullyWaitsForInFlightJob(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	job := func(ctx context.Context) error {
		close(started)
		<-finish
		return nil
	}
	noop := func(ctx context.Context) error { return nil }

	s := New(Config{
		CollectInterval: 10 * time.Millisecond,
		AnalyzeInterval: time.Hour,
		LearnInterval:   time.Hour,
		ShutdownGrace:   time.Second,
	}, job, noop, noop)

	s.Start(context.Background())
	<-started
	close(finish)
	s.Stop()
}

// runTickHelper exercises the unexported tick path directly, the same way a
// scheduled cron invocation would, without waiting on real cron cadence.
func runTickHelper(ctx context.Context, j *Job) {
	s := &Scheduler{}
	s.runTick(ctx, j)
}
