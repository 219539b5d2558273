package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmem/memory-service/internal/model"
)

func TestSummaryBudget(t *testing.T) {
	require.Equal(t, 512, summaryBudget(1000))    // small window: floor wins
	require.Equal(t, 1024, summaryBudget(8192))   // 8192/8 = 1024
	require.Equal(t, 2000, summaryBudget(20000))  // 10% band
	require.Equal(t, 6400, summaryBudget(128000)) // 5% band
	require.Equal(t, 2500, summaryBudget(50000))  // band boundary
}

func summarizeArgs(t *testing.T, sessionID string, epoch int64) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(SummarizeArgs{Namespace: "prod", UserID: "alice", SessionID: sessionID, Epoch: epoch})
	require.NoError(t, err)
	return raw
}

func manyMessages(n int) []model.MemoryMessage {
	msgs := make([]model.MemoryMessage, n)
	for i := range msgs {
		msgs[i] = model.MemoryMessage{
			ID:      fmt.Sprintf("%04d", i+1),
			Role:    model.RoleUser,
			Content: fmt.Sprintf("message number %d about the ongoing project", i+1),
		}
	}
	return msgs
}

func TestSummarizeFoldsPromotedMessages(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChat{responses: []string{"They discussed the ongoing project."}}
	env := newTestEnv(t, chat)

	key := seedSession(t, env, "s1", manyMessages(30)...)
	// all messages promoted: everything before the keep window may fold
	require.NoError(t, env.sessions.AdvanceWatermark(ctx, key, "0030"))

	require.NoError(t, env.pipe.handleSummarize(ctx, summarizeArgs(t, "s1", 1)))

	wm, err := env.sessions.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "They discussed the ongoing project.", wm.Context)
	require.Len(t, wm.Messages, keepRecentMessages)
	require.Equal(t, "0011", wm.Messages[0].ID, "oldest messages fold first")
	require.EqualValues(t, 1, wm.SummarizationEpoch)
	require.Positive(t, wm.TokensEstimate)
}

func TestSummarizeOnlyFoldsBelowWatermark(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChat{responses: []string{"partial summary"}}
	env := newTestEnv(t, chat)

	key := seedSession(t, env, "s1", manyMessages(30)...)
	// only the first five messages are promoted
	require.NoError(t, env.sessions.AdvanceWatermark(ctx, key, "0005"))

	require.NoError(t, env.pipe.handleSummarize(ctx, summarizeArgs(t, "s1", 1)))

	wm, err := env.sessions.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "partial summary", wm.Context)
	require.Len(t, wm.Messages, 25, "unpromoted messages stay verbatim")
	require.Equal(t, "0006", wm.Messages[0].ID)
}

func TestSummarizeSkipsStaleEpoch(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChat{responses: []string{"should never be used"}}
	env := newTestEnv(t, chat)

	key := model.SessionKey{Namespace: "prod", UserID: "alice", SessionID: "s1"}
	require.NoError(t, env.sessions.Set(ctx, &model.WorkingMemory{
		SessionID: "s1", UserID: "alice", Namespace: "prod",
		Messages:           manyMessages(30),
		SummarizationEpoch: 5,
	}))
	require.NoError(t, env.sessions.AdvanceWatermark(ctx, key, "0030"))

	require.NoError(t, env.pipe.handleSummarize(ctx, summarizeArgs(t, "s1", 4)))

	wm, err := env.sessions.Get(ctx, key)
	require.NoError(t, err)
	require.Empty(t, wm.Context, "stale epoch must not summarize")
	require.Len(t, wm.Messages, 30)
}

func TestSummarizeSkipsShortSessions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{responses: []string{"unused"}})
	seedSession(t, env, "s1", manyMessages(10)...)

	require.NoError(t, env.pipe.handleSummarize(ctx, summarizeArgs(t, "s1", 1)))

	wm, err := env.sessions.Get(ctx, model.SessionKey{Namespace: "prod", UserID: "alice", SessionID: "s1"})
	require.NoError(t, err)
	require.Empty(t, wm.Context)
	require.Len(t, wm.Messages, 10)
}
