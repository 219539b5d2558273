package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmem/memory-service/internal/model"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
)

func TestCompactLinksExactDuplicates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{})

	// identical content written twice, as concurrent creates can produce
	first := putRecord(t, env, model.MemoryRecord{Text: "user likes tea", UserID: "alice"})
	second := putRecord(t, env, model.MemoryRecord{Text: "user likes tea", UserID: "alice"})
	require.Equal(t, first.Hash, second.Hash)

	require.NoError(t, env.pipe.handleCompact(ctx, nil))

	results, err := env.lt.Store().Search(ctx, registryvector.SearchQuery{
		Filters: &model.Filters{UserID: &model.TagFilter{Eq: "alice"}},
		Limit:   10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1, "one copy is superseded")

	older, err := env.lt.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, older.SupersededBy, "the newer record survives")
}

func TestCompactLinksSemanticContainment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{})
	env.cfg.DedupDistanceThreshold = 0.5

	lean := putRecord(t, env, model.MemoryRecord{
		Text: "user likes tea", UserID: "alice", Namespace: "prod",
		Vector: mustEmbed(t, "user likes tea"),
	})
	rich := putRecord(t, env, model.MemoryRecord{
		Text: "the user likes hot green tea", UserID: "alice", Namespace: "prod",
		Vector: mustEmbed(t, "the user likes hot green tea"),
	})

	require.NoError(t, env.pipe.handleCompact(ctx, nil))

	got, err := env.lt.Get(ctx, lean.ID)
	require.NoError(t, err)
	require.Equal(t, rich.ID, got.SupersededBy)

	results, err := env.lt.Store().Search(ctx, registryvector.SearchQuery{
		Vector: mustEmbed(t, "tea"),
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, rich.ID, results[0].Record.ID)
}
