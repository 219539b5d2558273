package working

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/agentmem/memory-service/internal/config"
	"github.com/agentmem/memory-service/internal/model"
	sessionredis "github.com/agentmem/memory-service/internal/plugin/session/redis"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
	"github.com/agentmem/memory-service/internal/tasks"
	"github.com/agentmem/memory-service/internal/tokens"
)

func newTestService(t *testing.T, mutate func(*config.Config)) (*Service, *tasks.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	queue := tasks.NewQueue(client, time.Minute)
	sessions := sessionredis.New(client, time.Hour)
	return NewService(sessions, queue, tokens.NewCounter(cfg.GenerationModelSlow), &cfg), queue
}

func TestPutValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)

	_, err := svc.Put(ctx, &model.WorkingMemory{})
	var ve *registryvector.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "sessionId", ve.Field)

	_, err = svc.Put(ctx, &model.WorkingMemory{
		SessionID: "s1",
		Strategy:  model.MemoryStrategy{Kind: model.StrategyCustom, Prompt: "no placeholder"},
	})
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "strategy.prompt", ve.Field)
}

func TestAppendAssignsOrderedIDsAndSchedulesPromotion(t *testing.T) {
	ctx := context.Background()
	svc, queue := newTestService(t, nil)
	key := model.SessionKey{Namespace: "prod", UserID: "alice", SessionID: "s1"}

	wm, err := svc.Append(ctx, key, []model.MemoryMessage{
		{Role: model.RoleUser, Content: "first"},
		{Role: model.RoleAssistant, Content: "second"},
	})
	require.NoError(t, err)
	require.Len(t, wm.Messages, 2)
	require.NotEmpty(t, wm.Messages[0].ID)
	require.Less(t, wm.Messages[0].ID, wm.Messages[1].ID)
	require.False(t, wm.Messages[0].CreatedAt.IsZero())
	require.Positive(t, wm.TokensEstimate)

	n, err := queue.PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "one promotion task scheduled")

	// append with an empty role is rejected
	_, err = svc.Append(ctx, key, []model.MemoryMessage{{Content: "bad"}})
	var ve *registryvector.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestSummarizationTriggerBumpsEpochOnce(t *testing.T) {
	ctx := context.Background()
	svc, queue := newTestService(t, func(cfg *config.Config) {
		// tiny window so any message crosses the threshold
		cfg.ContextWindowMax = 10
		cfg.SummarizationThreshold = 0.5
	})
	key := model.SessionKey{Namespace: "prod", UserID: "alice", SessionID: "s1"}

	_, err := svc.Append(ctx, key, []model.MemoryMessage{
		{Role: model.RoleUser, Content: "a fairly long message that certainly exceeds five tokens"},
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, key, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.SummarizationEpoch)

	// promote + summarize
	n, err := queue.PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestGetClampsRecentMessages(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	key := model.SessionKey{Namespace: "prod", UserID: "alice", SessionID: "s1"}

	_, err := svc.Append(ctx, key, []model.MemoryMessage{
		{Role: model.RoleUser, Content: "one"},
		{Role: model.RoleUser, Content: "two"},
		{Role: model.RoleUser, Content: "three"},
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, key, 2)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "two", got.Messages[0].Content)
	require.Equal(t, "three", got.Messages[1].Content)
}

func TestDeleteSchedulesFinalPromotion(t *testing.T) {
	ctx := context.Background()
	svc, queue := newTestService(t, nil)
	key := model.SessionKey{Namespace: "prod", UserID: "alice", SessionID: "s1"}

	_, err := svc.Append(ctx, key, []model.MemoryMessage{{Role: model.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, key))

	_, err = svc.Get(ctx, key, 0)
	require.Error(t, err)

	// the append and the delete share one fingerprint-guarded promote task
	n, err := queue.PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
