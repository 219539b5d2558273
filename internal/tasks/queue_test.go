package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, lease time.Duration) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, lease)
}

func TestEnqueueClaimComplete(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	ok, err := q.Enqueue(ctx, "promote_session", map[string]string{"sessionId": "s1"}, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "promote_session", claimed[0].Name)
	require.JSONEq(t, `{"sessionId":"s1"}`, string(claimed[0].Args))

	// claimed tasks are not claimable again
	again, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, q.Complete(ctx, claimed[0]))

	// the guard went away with the claim: the same task enqueues again
	ok, err = q.Enqueue(ctx, "promote_session", map[string]string{"sessionId": "s1"}, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFingerprintGuardCollapsesDuplicates(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	ok, err := q.Enqueue(ctx, "compact_memories", nil, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	// identical name+args while pending: dropped
	ok, err = q.Enqueue(ctx, "compact_memories", nil, time.Now())
	require.NoError(t, err)
	require.False(t, ok)

	// different args make a different fingerprint
	ok, err = q.Enqueue(ctx, "compact_memories", map[string]int{"n": 1}, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestEnqueueDuringExecutionIsNotLost(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	ok, err := q.Enqueue(ctx, "promote_session", map[string]string{"sessionId": "s1"}, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// messages appended while the promotion runs trigger a fresh task
	ok, err = q.Enqueue(ctx, "promote_session", map[string]string{"sessionId": "s1"}, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Complete(ctx, claimed[0]))

	again, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1, "the follow-up task survives completion of the first")
	require.NotEqual(t, claimed[0].ID, again[0].ID)
}

func TestFutureTasksAreNotDue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	ok, err := q.Enqueue(ctx, "forget_memories", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestFailReschedulesWithBackoffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	_, err := q.Enqueue(ctx, "enrich_record", map[string]string{"id": "r1"}, time.Now())
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// first failure: rescheduled in the future, still pending
	require.NoError(t, q.Fail(ctx, claimed[0], errors.New("boom"), 2, time.Minute, time.Hour))
	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// the retry re-arms the fingerprint guard, so duplicates collapse again
	ok, err := q.Enqueue(ctx, "enrich_record", map[string]string{"id": "r1"}, time.Now())
	require.NoError(t, err)
	require.False(t, ok)
	due, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, due, "backed-off task must not be due yet")

	// exhausting attempts moves it to the dead list and frees the fingerprint
	claimed[0].Attempts = 1
	require.NoError(t, q.Fail(ctx, claimed[0], errors.New("boom again"), 2, time.Minute, time.Hour))

	dead, err := q.DeadTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "enrich_record", dead[0].Name)
	require.Equal(t, 2, dead[0].Attempts)
	require.Equal(t, "boom again", dead[0].LastError)

	ok, err = q.Enqueue(ctx, "enrich_record", map[string]string{"id": "r1"}, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRecoverStaleReturnsExpiredClaims(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 10*time.Millisecond)

	_, err := q.Enqueue(ctx, "touch_records", map[string]string{"salt": "x"}, time.Now())
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// before the lease expires nothing is stale
	ids, err := q.RecoverStale(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ids)

	time.Sleep(20 * time.Millisecond)
	ids, err = q.RecoverStale(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// the recovered task is claimable again
	reclaimed, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, claimed[0].ID, reclaimed[0].ID)
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("promote_session", map[string]string{"sessionId": "s1"})
	b := Fingerprint("promote_session", map[string]string{"sessionId": "s1"})
	c := Fingerprint("promote_session", map[string]string{"sessionId": "s2"})
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, a, Fingerprint("summarize_session", map[string]string{"sessionId": "s1"}))
}
