package workqueue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// BACKOFF MATH (pure, no Redis required)
// ============================================================================

func TestBackoffFor_ExponentialWithCap(t *testing.T) {
	q := &Queue{cfg: Config{RetryBase: time.Second, RetryCap: 10 * time.Second}.withDefaults()}

	assert.Equal(t, time.Second, q.backoffFor(1))
	assert.Equal(t, 2*time.Second, q.backoffFor(2))
	assert.Equal(t, 4*time.Second, q.backoffFor(3))
	assert.Equal(t, 8*time.Second, q.backoffFor(4))
	// exceeds cap, clamps
	assert.Equal(t, 10*time.Second, q.backoffFor(5))
	assert.Equal(t, 10*time.Second, q.backoffFor(10))
}

func TestConfig_DefaultsApplied(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, 3, c.MaxAttempts)
	assert.Equal(t, time.Second, c.RetryBase)
	assert.Equal(t, 60*time.Second, c.RetryCap)
	assert.Equal(t, 4, c.Workers)
}

func TestPriorityOrder_HighestFirst(t *testing.T) {
	require.Equal(t, []Priority{
		PriorityVariableWrite,
		PriorityPersistence,
		PriorityDiscovery,
		PriorityNotification,
	}, priorityOrder)
}

// ============================================================================
// INTEGRATION (requires a reachable Redis; skipped otherwise)
// ============================================================================

func testRedisAddr(t *testing.T) string {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping Redis-backed workqueue test")
	}
	return addr
}

// TestQueue_PriorityOrdering covers scenario S5: a variable-write job
// enqueued after a discovery job must still be processed first.
func TestQueue_PriorityOrdering(t *testing.T) {
	addr := testRedisAddr(t)
	q := New(addr, nil, Config{Workers: 1, PollIdle: 5 * time.Millisecond})
	defer q.Close()
	ctx := context.Background()

	var processed []string
	done := make(chan struct{})
	record := func(name string) Handler {
		return func(_ context.Context, job Job) error {
			processed = append(processed, name)
			if len(processed) == 2 {
				close(done)
			}
			return nil
		}
	}
	q.RegisterHandler(PriorityDiscovery, record("discovery"))
	q.RegisterHandler(PriorityVariableWrite, record("write"))

	_, err := q.Enqueue(ctx, PriorityDiscovery, map[string]string{"k": "v"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, PriorityVariableWrite, map[string]string{"k": "v"})
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for jobs to process")
	}
	q.Shutdown(time.Second)

	assert.Equal(t, []string{"write", "discovery"}, processed)
}

// TestQueue_RetryBoundDeadLetters covers property 6: a job that always
// fails is retried up to MaxAttempts, then parked on the failed list.
func TestQueue_RetryBoundDeadLetters(t *testing.T) {
	addr := testRedisAddr(t)
	q := New(addr, nil, Config{Workers: 1, MaxAttempts: 2, RetryBase: 10 * time.Millisecond, RetryCap: 20 * time.Millisecond, PollIdle: 5 * time.Millisecond})
	defer q.Close()
	ctx := context.Background()

	var attempts int
	failing := func(_ context.Context, job Job) error {
		attempts++
		return assertErr
	}
	q.RegisterHandler(PriorityNotification, failing)

	_, err := q.Enqueue(ctx, PriorityNotification, map[string]string{"k": "v"})
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.FailedCount(ctx) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	q.Shutdown(time.Second)

	assert.Equal(t, int64(1), q.FailedCount(ctx))
	assert.Equal(t, 2, attempts)
}

var assertErr = fixedErr("handler failure")

type fixedErr string

func (e fixedErr) Error() string { return string(e) }

// TestQueue_ShutdownDrainsPendingJobsInPriorityOrder covers property 9:
// jobs still queued when Shutdown begins are drained within the grace
// window, variable writes ahead of persistence.
func TestQueue_ShutdownDrainsPendingJobsInPriorityOrder(t *testing.T) {
	addr := testRedisAddr(t)
	q := New(addr, nil, Config{Workers: 1, PollIdle: 5 * time.Millisecond})
	defer q.Close()
	ctx := context.Background()

	var processed []string
	slow := func(name string) Handler {
		return func(_ context.Context, job Job) error {
			time.Sleep(20 * time.Millisecond)
			processed = append(processed, name)
			return nil
		}
	}
	q.RegisterHandler(PriorityVariableWrite, slow("write"))
	q.RegisterHandler(PriorityPersistence, slow("persistence"))

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, PriorityPersistence, map[string]int{"i": i})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, PriorityVariableWrite, map[string]int{"i": i})
		require.NoError(t, err)
	}

	require.NoError(t, q.Start(ctx))
	q.Shutdown(5 * time.Second)

	require.Len(t, processed, 6)
	assert.Equal(t, []string{"write", "write", "write", "persistence", "persistence", "persistence"}, processed)
}
