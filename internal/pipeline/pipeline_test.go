package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/agentmem/memory-service/internal/config"
	"github.com/agentmem/memory-service/internal/longterm"
	"github.com/agentmem/memory-service/internal/model"
	"github.com/agentmem/memory-service/internal/plugin/embed/local"
	sessionredis "github.com/agentmem/memory-service/internal/plugin/session/redis"
	"github.com/agentmem/memory-service/internal/plugin/vector/memvec"
	"github.com/agentmem/memory-service/internal/registry/llm"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
	"github.com/agentmem/memory-service/internal/tasks"
	"github.com/agentmem/memory-service/internal/tokens"
)

// fakeChat returns scripted responses; Generate pops from queue, Classify
// returns fixed labels.
type fakeChat struct {
	responses []string
	labels    []string
	err       error
	requests  []llm.Request
}

func (f *fakeChat) Generate(_ context.Context, req llm.Request) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", llm.ErrDisabled
	}
	out := f.responses[0]
	f.responses = f.responses[1:]
	return out, nil
}

func (f *fakeChat) Classify(_ context.Context, _ string, _ []string, _ int) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.labels, nil
}

func (f *fakeChat) Name() string { return "fake" }

type testEnv struct {
	pipe     *Pipeline
	lt       *longterm.Service
	sessions *sessionredis.Store
	queue    *tasks.Queue
	cfg      *config.Config
	chat     *fakeChat
}

func newTestEnv(t *testing.T, chat *fakeChat) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.DefaultConfig()
	cfg.TopicModelSource = "local"
	cfg.EnableNER = false

	lt := longterm.NewService(memvec.New())
	sessions := sessionredis.New(client, time.Hour)
	queue := tasks.NewQueue(client, time.Minute)
	counter := tokens.NewCounter(cfg.GenerationModelSlow)
	pipe := New(lt, sessions, &local.LocalEmbedder{}, chat, queue, counter, &cfg)
	return &testEnv{pipe: pipe, lt: lt, sessions: sessions, queue: queue, cfg: &cfg, chat: chat}
}

func promoteArgs(t *testing.T, sessionID string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(PromoteArgs{Namespace: "prod", UserID: "alice", SessionID: sessionID})
	require.NoError(t, err)
	return raw
}

func seedSession(t *testing.T, env *testEnv, sessionID string, msgs ...model.MemoryMessage) model.SessionKey {
	t.Helper()
	key := model.SessionKey{Namespace: "prod", UserID: "alice", SessionID: sessionID}
	require.NoError(t, env.sessions.Set(context.Background(), &model.WorkingMemory{
		SessionID: sessionID,
		UserID:    "alice",
		Namespace: "prod",
		Messages:  msgs,
	}))
	return key
}

func TestPromoteCreatesMessageRecordsAndAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{}) // chat answers with ErrDisabled: extraction skipped

	key := seedSession(t, env, "s1",
		model.MemoryMessage{ID: "0001", Role: model.RoleUser, Content: "I moved to Berlin"},
		model.MemoryMessage{ID: "0002", Role: model.RoleAssistant, Content: "Congrats!"},
	)

	require.NoError(t, env.pipe.handlePromote(ctx, promoteArgs(t, "s1")))

	results, err := env.lt.Store().Search(ctx, registryvector.SearchQuery{
		Filters: &model.Filters{MemoryType: &model.TagFilter{Eq: "message"}},
		Limit:   10,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NotEmpty(t, r.Record.Vector)
		require.NotNil(t, r.Record.PersistedAt)
	}

	wm, err := env.sessions.GetWatermark(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "0002", wm)

	// re-running is a no-op: nothing past the watermark
	require.NoError(t, env.pipe.handlePromote(ctx, promoteArgs(t, "s1")))
	n, err := env.lt.Store().Count(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestPromoteExtractsStrategyMemories(t *testing.T) {
	ctx := context.Background()
	chat := &fakeChat{responses: []string{
		`{"memories":[
			{"type":"semantic","text":"User lives in Berlin","topics":["Travel"],"entities":["Berlin"]},
			{"type":"episodic","text":"User moved apartments last week"},
			{"type":"bogus","text":"Defaults to semantic"},
			{"type":"semantic","text":"   "}
		]}`,
	}}
	env := newTestEnv(t, chat)

	seedSession(t, env, "s1",
		model.MemoryMessage{ID: "0001", Role: model.RoleUser, Content: "I moved to Berlin last week"},
	)
	require.NoError(t, env.pipe.handlePromote(ctx, promoteArgs(t, "s1")))

	results, err := env.lt.Store().Search(ctx, registryvector.SearchQuery{
		Filters: &model.Filters{MemoryType: &model.TagFilter{Ne: "message"}},
		Limit:   10,
	})
	require.NoError(t, err)
	require.Len(t, results, 3, "blank extraction is dropped")

	byText := map[string]model.MemoryRecord{}
	for _, r := range results {
		byText[r.Record.Text] = r.Record
	}
	require.Equal(t, model.MemoryTypeSemantic, byText["User lives in Berlin"].MemoryType)
	require.Equal(t, []string{"travel"}, byText["User lives in Berlin"].Topics)
	require.Equal(t, []string{"Berlin"}, byText["User lives in Berlin"].Entities)
	require.Equal(t, model.MemoryTypeEpisodic, byText["User moved apartments last week"].MemoryType)
	require.NotNil(t, byText["User moved apartments last week"].EventDate)
	require.Equal(t, model.MemoryTypeSemantic, byText["Defaults to semantic"].MemoryType)
}

func TestPromoteSkipsExpiredSession(t *testing.T) {
	env := newTestEnv(t, &fakeChat{})
	require.NoError(t, env.pipe.handlePromote(context.Background(), promoteArgs(t, "gone")))
}

func TestPromotePersistsStagedMemoriesAndClearsThem(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{})

	key := model.SessionKey{Namespace: "prod", UserID: "alice", SessionID: "s1"}
	require.NoError(t, env.sessions.Set(ctx, &model.WorkingMemory{
		SessionID: "s1", UserID: "alice", Namespace: "prod",
		Memories: []model.MemoryRecord{{ID: "staged-1", Text: "prefers window seats"}},
	}))

	require.NoError(t, env.pipe.handlePromote(ctx, promoteArgs(t, "s1")))

	rec, err := env.lt.Get(ctx, "staged-1")
	require.NoError(t, err)
	require.Equal(t, "prefers window seats", rec.Text)
	require.Equal(t, "alice", rec.UserID)

	got, err := env.sessions.Get(ctx, key)
	require.NoError(t, err)
	require.Empty(t, got.Memories, "staged records leave the blob once persisted")
}

// downEmbedder simulates a provider outage: every call fails.
type downEmbedder struct{}

func (downEmbedder) EmbedTexts(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("provider unavailable")
}
func (downEmbedder) ModelName() string { return "down" }
func (downEmbedder) Dimension() int    { return 384 }

func TestPromoteRetriesEmbedFailureThroughTask(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{})
	env.pipe.embedder = downEmbedder{}

	seedSession(t, env, "s1",
		model.MemoryMessage{ID: "0001", Role: model.RoleUser, Content: "I moved to Berlin"},
	)
	require.NoError(t, env.pipe.handlePromote(ctx, promoteArgs(t, "s1")))

	// persisted vectorless, not poisoned
	results, err := env.lt.Store().Search(ctx, registryvector.SearchQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Empty(t, results[0].Record.Vector)
	require.False(t, results[0].Record.EnrichmentFailed)

	claimed, err := env.queue.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, TaskEnrichRecord, claimed[0].Name)

	// provider back up: the retry fills the vector
	env.pipe.embedder = &local.LocalEmbedder{}
	require.NoError(t, env.pipe.handleEnrich(ctx, claimed[0].Args))

	got, err := env.lt.Get(ctx, results[0].Record.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.Vector)
	require.False(t, got.EnrichmentFailed)
}

func TestRegisterHandlersSkipsDisabledPeriodics(t *testing.T) {
	env := newTestEnv(t, &fakeChat{})
	env.cfg.CompactionEveryMinutes = 0
	env.cfg.ForgettingEnabled = true
	env.cfg.ForgettingEveryMinutes = 0

	r := tasks.NewRunner(env.queue, tasks.RunnerOptions{PollInterval: 5 * time.Millisecond})
	env.pipe.RegisterHandlers(r)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	r.Start(ctx)

	n, err := env.queue.PendingCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, n, "disabled periodics never get a startup enqueue")
}

func TestDedupeDropsExactAndSemanticDuplicates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{})
	wm := &model.WorkingMemory{SessionID: "s1", UserID: "alice", Namespace: "prod"}

	// an existing record the second candidate duplicates semantically
	_, err := env.lt.Create(ctx, []model.MemoryRecord{{
		Text: "user likes strong coffee", UserID: "alice", Namespace: "prod",
		Vector: mustEmbed(t, "user likes strong coffee"),
	}})
	require.NoError(t, err)

	out, supersedes, err := env.pipe.dedupe(ctx, wm, []model.MemoryRecord{
		{Text: "enjoys hiking", UserID: "alice", Namespace: "prod"},
		{Text: "Enjoys Hiking", UserID: "alice", Namespace: "prod"},      // exact dup within batch
		{Text: "likes strong coffee user", UserID: "alice", Namespace: "prod"}, // semantic dup of stored record
		{Text: "dislikes strong coffee", UserID: "alice", Namespace: "prod"},   // outside the distance gate
	})
	require.NoError(t, err)
	require.Empty(t, supersedes)

	texts := make([]string, len(out))
	for i, r := range out {
		texts[i] = r.Text
	}
	require.Equal(t, []string{"enjoys hiking", "dislikes strong coffee"}, texts)
}

func TestDedupeDropsNearDuplicateAndTouchesSurvivor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{})
	env.cfg.DedupDistanceThreshold = 0.5

	stored, err := env.lt.Create(ctx, []model.MemoryRecord{{
		Text: "user likes strong coffee", UserID: "alice", Namespace: "prod",
		Vector: mustEmbed(t, "user likes strong coffee"),
	}})
	require.NoError(t, err)

	wm := &model.WorkingMemory{SessionID: "s1", UserID: "alice", Namespace: "prod"}

	// close to the stored record but not a strict extension of it: the
	// stored record wins and the candidate is discarded
	out, supersedes, err := env.pipe.dedupe(ctx, wm, []model.MemoryRecord{
		{Text: "user likes cold coffee", UserID: "alice", Namespace: "prod"},
	})
	require.NoError(t, err)
	require.Empty(t, out)
	require.Empty(t, supersedes)

	got, err := env.lt.Get(ctx, stored[0].ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.AccessCount)
}

func TestDedupeRicherCandidateSupersedesStored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{})
	// loosen the distance gate: hashed test vectors of overlapping token
	// sets land well below production similarity
	env.cfg.DedupDistanceThreshold = 0.5

	stored, err := env.lt.Create(ctx, []model.MemoryRecord{{
		Text: "user likes tea", UserID: "alice", Namespace: "prod",
		Vector: mustEmbed(t, "user likes tea"),
	}})
	require.NoError(t, err)
	require.Len(t, stored, 1)

	wm := &model.WorkingMemory{SessionID: "s1", UserID: "alice", Namespace: "prod"}

	out, supersedes, err := env.pipe.dedupe(ctx, wm, []model.MemoryRecord{
		{Text: "the user likes hot green tea", UserID: "alice", Namespace: "prod"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, stored[0].ID, supersedes[out[0].ID])

	created, err := env.lt.Create(ctx, out)
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.NoError(t, env.lt.Supersede(ctx, stored[0].ID, created[0].ID))

	results, err := env.lt.Store().Search(ctx, registryvector.SearchQuery{
		Vector: mustEmbed(t, "tea"),
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1, "superseded record is excluded from search")
	require.Equal(t, "the user likes hot green tea", results[0].Record.Text)
}

func mustEmbed(t *testing.T, text string) []float32 {
	t.Helper()
	e := &local.LocalEmbedder{}
	vecs, err := e.EmbedTexts(context.Background(), []string{text})
	require.NoError(t, err)
	return vecs[0]
}
