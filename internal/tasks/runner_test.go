package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecuteCompletesSuccessfulTask(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)
	r := NewRunner(q, RunnerOptions{MaxAttempts: 3})

	var gotArgs json.RawMessage
	r.Handle("promote_session", func(_ context.Context, args json.RawMessage) error {
		gotArgs = args
		return nil
	})

	_, err := q.Enqueue(ctx, "promote_session", map[string]string{"sessionId": "s1"}, time.Now())
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	r.execute(ctx, claimed[0])
	require.JSONEq(t, `{"sessionId":"s1"}`, string(gotArgs))

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestExecuteInvokesDeadHandlerAfterFinalAttempt(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)
	r := NewRunner(q, RunnerOptions{MaxAttempts: 2, RetryBackoff: time.Minute, MaxBackoff: time.Hour})

	r.Handle("enrich_record", func(context.Context, json.RawMessage) error {
		return errors.New("provider down")
	})
	var deadCalls int
	r.HandleDead("enrich_record", func(_ context.Context, args json.RawMessage) error {
		deadCalls++
		require.JSONEq(t, `{"id":"r1"}`, string(args))
		return nil
	})

	_, err := q.Enqueue(ctx, "enrich_record", map[string]string{"id": "r1"}, time.Now())
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// first attempt: rescheduled, dead handler not called
	r.execute(ctx, claimed[0])
	require.Zero(t, deadCalls)

	// final attempt
	claimed[0].Attempts = 1
	r.execute(ctx, claimed[0])
	require.Equal(t, 1, deadCalls)

	dead, err := q.DeadTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
}

func TestStartIgnoresNonPositivePeriodicInterval(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	r := NewRunner(q, RunnerOptions{PollInterval: 5 * time.Millisecond})
	r.RegisterPeriodic(Periodic{Name: "compact_memories", Every: 0})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	r.Start(ctx)

	// the disabled periodic never got its startup enqueue
	n, err := q.PendingCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestExecuteUnknownTaskIsFailed(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)
	r := NewRunner(q, RunnerOptions{MaxAttempts: 1})

	_, err := q.Enqueue(ctx, "no_such_task", nil, time.Now())
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	r.execute(ctx, claimed[0])

	dead, err := q.DeadTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Contains(t, dead[0].LastError, "unknown task type")
}
