package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStart_FirstPassRunsImmediately(t *testing.T) {
	ran := make(chan string, 1)
	s := New([]Job{{
		Kind:     JobFullBackup,
		Cadence:  time.Hour,
		Priority: 9,
		Run: func(ctx context.Context, key string) error {
			select {
			case ran <- key:
			default:
			}
			return nil
		},
	}}, 10*time.Millisecond)

	s.Start(context.Background())
	defer s.Stop()

	select {
	case key := <-ran:
		require.True(t, strings.HasPrefix(key, string(JobFullBackup)+":"), key)
	case <-time.After(time.Second):
		t.Fatal("job did not run on the first pass")
	}
}

func TestStart_BucketDispatchedOnce(t *testing.T) {
	var runs atomic.Int64
	s := New([]Job{{
		Kind:    JobCleanup,
		Cadence: time.Hour,
		Run: func(ctx context.Context, key string) error {
			runs.Add(1)
			return nil
		},
	}}, 5*time.Millisecond)

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	require.Equal(t, int64(1), runs.Load(),
		"the same cadence bucket must not be dispatched twice")
}

func TestStart_OverlappingRunIsSkippedNotQueued(t *testing.T) {
	release := make(chan struct{})
	var active, maxActive, runs atomic.Int64

	s := New([]Job{{
		Kind:    JobWALShip,
		Cadence: time.Millisecond,
		Run: func(ctx context.Context, key string) error {
			runs.Add(1)
			if cur := active.Add(1); cur > maxActive.Load() {
				maxActive.Store(cur)
			}
			<-release
			active.Add(-1)
			return nil
		},
	}}, 5*time.Millisecond)

	s.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	close(release)
	s.Stop()

	require.GreaterOrEqual(t, runs.Load(), int64(1))
	require.Equal(t, int64(1), maxActive.Load(),
		"overlapping triggers must never run the job concurrently")
}

func TestTriggerNow(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	done := make(chan struct{}, 2)
	var mu sync.Mutex
	var keys []string

	s := New([]Job{{
		Kind:    JobIntegritySweep,
		Cadence: time.Hour,
		Run: func(ctx context.Context, key string) error {
			mu.Lock()
			keys = append(keys, key)
			mu.Unlock()
			<-release
			done <- struct{}{}
			return nil
		},
	}}, time.Minute)

	require.NoError(t, s.TriggerNow(ctx, JobIntegritySweep))
	require.Error(t, s.TriggerNow(ctx, JobIntegritySweep),
		"a running job cannot be triggered again")

	close(release)
	<-done

	require.NoError(t, s.TriggerNow(ctx, JobIntegritySweep))
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 2)
	for _, key := range keys {
		require.Contains(t, key, ":manual:",
			"manual triggers need a fresh idempotency key")
	}
	require.NotEqual(t, keys[0], keys[1])
}

func TestTriggerNow_UnknownKind(t *testing.T) {
	s := New(nil, time.Minute)
	require.Error(t, s.TriggerNow(context.Background(), JobKind("nonsense")))
}

func TestStop_WaitsForInflightJobs(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool

	s := New([]Job{{
		Kind:    JobConfigBackup,
		Cadence: time.Hour,
		Run: func(ctx context.Context, key string) error {
			close(started)
			time.Sleep(30 * time.Millisecond)
			finished.Store(true)
			return nil
		},
	}}, 5*time.Millisecond)

	s.Start(context.Background())
	<-started
	s.Stop()
	require.True(t, finished.Load(), "Stop must wait for in-flight jobs")
}

func TestNew_FailedRunRetriesNextBucket(t *testing.T) {
	// A failing job consumes its bucket; the next bucket dispatches again.
	var runs atomic.Int64
	s := New([]Job{{
		Kind:    JobTestRestore,
		Cadence: 20 * time.Millisecond,
		Run: func(ctx context.Context, key string) error {
			runs.Add(1)
			return context.DeadlineExceeded
		},
	}}, 5*time.Millisecond)

	s.Start(context.Background())
	time.Sleep(90 * time.Millisecond)
	s.Stop()

	require.GreaterOrEqual(t, runs.Load(), int64(2),
		"a failed run must be retried on later triggers")
}
