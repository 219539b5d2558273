// Package tasks is a Redis-backed durable task queue. Tasks are enqueued
// with a content fingerprint so at most one task per fingerprint waits to
// run at a time; the guard is released when a task is claimed, so the same
// work arriving while a task executes is queued again rather than lost.
// Retries use exponential backoff, and tasks whose worker crashed are
// recovered when their claim lease expires.
package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/agentmem/memory-service/internal/keys"
	"github.com/agentmem/memory-service/internal/model"
)

// Task is one unit of queued work.
type Task struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args"`
	Fingerprint string          `json:"fingerprint"`
	Attempts    int             `json:"attempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	LastError   string          `json:"lastError,omitempty"`
}

// fingerprintTTL bounds how long an orphaned in-flight guard can block
// re-enqueues if the process dies between guard and enqueue.
const fingerprintTTL = 24 * time.Hour

// claimScript atomically moves due members from one sorted set to another
// and returns them. Used pending->claimed on claim and claimed->pending on
// stale recovery.
var claimScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return due
`)

// Queue enqueues and claims tasks. It is safe for concurrent use.
type Queue struct {
	client *goredis.Client
	lease  time.Duration
}

// NewQueue returns a queue over an existing client.
func NewQueue(client *goredis.Client, lease time.Duration) *Queue {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &Queue{client: client, lease: lease}
}

// Fingerprint derives the dedup fingerprint for a task.
func Fingerprint(name string, args any) string {
	raw, _ := json.Marshal(args)
	sum := sha256.Sum256(append([]byte(name+"\x1f"), raw...))
	return hex.EncodeToString(sum[:])
}

// Enqueue adds a task ready to run at readyAt. If a task with the same
// fingerprint is already waiting to run, the call is a no-op and returns
// false.
func (q *Queue) Enqueue(ctx context.Context, name string, args any, readyAt time.Time) (bool, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return false, err
	}
	fp := Fingerprint(name, args)
	ok, err := q.client.SetNX(ctx, keys.TaskFingerprint(fp), "1", fingerprintTTL).Result()
	if err != nil {
		return false, fmt.Errorf("tasks: fingerprint guard: %w", err)
	}
	if !ok {
		return false, nil
	}

	t := Task{
		ID:          model.NewID(),
		Name:        name,
		Args:        raw,
		Fingerprint: fp,
		EnqueuedAt:  time.Now().UTC(),
	}
	body, err := json.Marshal(t)
	if err != nil {
		return false, err
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, keys.TaskBody(t.ID), body, 0)
	pipe.ZAdd(ctx, keys.TaskPending, goredis.Z{Score: float64(readyAt.UnixMilli()), Member: t.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("tasks: enqueue: %w", err)
	}
	return true, nil
}

// Claim moves up to max due tasks into the claimed set and returns them.
func (q *Queue) Claim(ctx context.Context, max int) ([]Task, error) {
	now := time.Now()
	ids, err := claimScript.Run(ctx, q.client,
		[]string{keys.TaskPending, keys.TaskClaimed},
		now.UnixMilli(), max, now.Add(q.lease).UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("tasks: claim: %w", err)
	}
	var out []Task
	for _, id := range ids {
		raw, err := q.client.Get(ctx, keys.TaskBody(id)).Result()
		if err == goredis.Nil {
			// body gone; drop the orphan claim
			q.client.ZRem(ctx, keys.TaskClaimed, id)
			continue
		}
		if err != nil {
			return out, err
		}
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			q.client.ZRem(ctx, keys.TaskClaimed, id)
			continue
		}
		// release the fingerprint guard: the same work arriving from here
		// on must enqueue a fresh task, not be collapsed into this one
		q.client.Del(ctx, keys.TaskFingerprint(t.Fingerprint))
		out = append(out, t)
	}
	return out, nil
}

// Complete removes a finished task. The fingerprint guard was released at
// claim time; deleting it here could free a guard held by a newer task.
func (q *Queue) Complete(ctx context.Context, t Task) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keys.TaskClaimed, t.ID)
	pipe.Del(ctx, keys.TaskBody(t.ID))
	_, err := pipe.Exec(ctx)
	return err
}

// Fail re-schedules a failed task with backoff, or moves it to the dead
// list once attempts are exhausted.
func (q *Queue) Fail(ctx context.Context, t Task, taskErr error, maxAttempts int, backoff, maxBackoff time.Duration) error {
	t.Attempts++
	t.LastError = taskErr.Error()

	if t.Attempts >= maxAttempts {
		body, _ := json.Marshal(t)
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, keys.TaskClaimed, t.ID)
		pipe.Set(ctx, keys.TaskBody(t.ID), body, fingerprintTTL)
		pipe.LPush(ctx, keys.TaskDead, t.ID)
		pipe.Del(ctx, keys.TaskFingerprint(t.Fingerprint))
		_, err := pipe.Exec(ctx)
		return err
	}

	delay := backoff << (t.Attempts - 1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, keys.TaskBody(t.ID), body, 0)
	pipe.ZRem(ctx, keys.TaskClaimed, t.ID)
	pipe.ZAdd(ctx, keys.TaskPending, goredis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: t.ID,
	})
	// the task is waiting to run again, so re-arm its fingerprint guard
	pipe.Set(ctx, keys.TaskFingerprint(t.Fingerprint), "1", fingerprintTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RecoverStale re-enqueues claimed tasks whose lease expired, making
// worker crashes at-least-once instead of lost.
func (q *Queue) RecoverStale(ctx context.Context, max int) ([]string, error) {
	now := time.Now()
	ids, err := claimScript.Run(ctx, q.client,
		[]string{keys.TaskClaimed, keys.TaskPending},
		now.UnixMilli(), max, now.UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("tasks: recover stale: %w", err)
	}
	return ids, nil
}

// DeadTasks returns up to max tasks from the dead list, newest first.
func (q *Queue) DeadTasks(ctx context.Context, max int) ([]Task, error) {
	ids, err := q.client.LRange(ctx, keys.TaskDead, 0, int64(max-1)).Result()
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, id := range ids {
		raw, err := q.client.Get(ctx, keys.TaskBody(id)).Result()
		if err != nil {
			continue
		}
		var t Task
		if json.Unmarshal([]byte(raw), &t) == nil {
			out = append(out, t)
		}
	}
	return out, nil
}

// PendingCount returns the number of tasks waiting to run.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, keys.TaskPending).Result()
}
