package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/agentmem/memory-service/internal/model"
	registrysession "github.com/agentmem/memory-service/internal/registry/session"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, time.Hour), mr
}

func key(sessionID string) model.SessionKey {
	return model.SessionKey{Namespace: "prod", UserID: "alice", SessionID: sessionID}
}

func TestGetMissingSessionReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), key("nope"))
	var nf *registrysession.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "nope", nf.SessionID)
}

func TestSetGetRoundTripAndTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	wm := &model.WorkingMemory{
		SessionID:  "s1",
		UserID:     "alice",
		Namespace:  "prod",
		Messages:   []model.MemoryMessage{{ID: "m1", Role: model.RoleUser, Content: "hi"}},
		Context:    "summary so far",
		TTLSeconds: 120,
		Strategy:   model.MemoryStrategy{Kind: model.StrategyDiscrete},
	}
	require.NoError(t, s.Set(ctx, wm))

	got, err := s.Get(ctx, key("s1"))
	require.NoError(t, err)
	require.Equal(t, wm.Messages, got.Messages)
	require.Equal(t, "summary so far", got.Context)

	// requested TTL wins over the default
	ttl := mr.TTL("wm:prod:alice:s1")
	require.Equal(t, 2*time.Minute, ttl)
}

func TestAppendCreatesSessionWithDefaultStrategy(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	got, err := s.AppendMessages(ctx, key("fresh"), []model.MemoryMessage{
		{ID: "m1", Role: model.RoleUser, Content: "hello"},
	})
	require.NoError(t, err)
	require.Equal(t, model.StrategyDiscrete, got.Strategy.Kind)
	require.Len(t, got.Messages, 1)
	require.False(t, got.LastAccessedAt.IsZero())

	got, err = s.AppendMessages(ctx, key("fresh"), []model.MemoryMessage{
		{ID: "m2", Role: model.RoleAssistant, Content: "hi there"},
	})
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "m1", got.Messages[0].ID)
	require.Equal(t, "m2", got.Messages[1].ID)
}

func TestWatermarkIsMonotonicAndSurvivesDeletion(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	k := key("s1")

	wm, err := s.GetWatermark(ctx, k)
	require.NoError(t, err)
	require.Empty(t, wm)

	require.NoError(t, s.AdvanceWatermark(ctx, k, "0002"))
	require.NoError(t, s.AdvanceWatermark(ctx, k, "0001")) // stale retry: ignored

	wm, err = s.GetWatermark(ctx, k)
	require.NoError(t, err)
	require.Equal(t, "0002", wm)

	// deleting the session blob leaves the watermark intact, so a recreated
	// session cannot re-promote already promoted messages
	require.NoError(t, s.Set(ctx, &model.WorkingMemory{SessionID: "s1", UserID: "alice", Namespace: "prod"}))
	require.NoError(t, s.Delete(ctx, k))
	wm, err = s.GetWatermark(ctx, k)
	require.NoError(t, err)
	require.Equal(t, "0002", wm)
}

func TestListSessionsPagination(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, s.Set(ctx, &model.WorkingMemory{SessionID: id, UserID: "alice", Namespace: "prod"}))
	}
	require.NoError(t, s.Set(ctx, &model.WorkingMemory{SessionID: "other", UserID: "bob", Namespace: "staging"}))

	page, err := s.ListSessions(ctx, "prod", 0, 2)
	require.NoError(t, err)
	require.EqualValues(t, 3, page.Total)
	require.Equal(t, []string{"s1", "s2"}, page.SessionIDs)

	page, err = s.ListSessions(ctx, "prod", 2, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"s3"}, page.SessionIDs)

	page, err = s.ListSessions(ctx, "prod", 10, 2)
	require.NoError(t, err)
	require.Empty(t, page.SessionIDs)

	// empty namespace scans everything
	page, err = s.ListSessions(ctx, "", 0, 0)
	require.NoError(t, err)
	require.EqualValues(t, 4, page.Total)
}

func TestUpdateSerializesConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	k := key("s1")

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		id := string(rune('a' + i))
		go func() {
			_, err := s.Update(ctx, k, func(wm *model.WorkingMemory) error {
				wm.Messages = append(wm.Messages, model.MemoryMessage{ID: id, Role: model.RoleUser, Content: id})
				return nil
			})
			done <- err
		}()
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	got, err := s.Get(ctx, k)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2, "neither concurrent append may be lost")
}
