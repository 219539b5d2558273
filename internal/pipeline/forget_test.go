package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmem/memory-service/internal/model"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
)

func putRecord(t *testing.T, env *testEnv, rec model.MemoryRecord) model.MemoryRecord {
	t.Helper()
	env.lt.Prepare(&rec)
	require.NoError(t, env.lt.Store().Put(context.Background(), []model.MemoryRecord{rec}))
	return rec
}

func TestForgetRespectsAccessCount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{})
	env.cfg.ForgettingEnabled = true
	env.cfg.ForgettingMaxAgeDays = 90
	env.cfg.ForgettingMinAccess = 5

	old := time.Now().AddDate(0, 0, -200).UTC()
	stale := putRecord(t, env, model.MemoryRecord{
		Text: "stale and unused", UserID: "alice",
		LastAccessedAt: old, AccessCount: 0,
	})
	kept := putRecord(t, env, model.MemoryRecord{
		Text: "stale but popular", UserID: "alice",
		LastAccessedAt: old, AccessCount: 10,
	})
	fresh := putRecord(t, env, model.MemoryRecord{
		Text: "recently used", UserID: "alice",
	})

	require.NoError(t, env.pipe.handleForget(ctx, nil))

	_, err := env.lt.Get(ctx, stale.ID)
	var nf *registryvector.NotFoundError
	require.ErrorAs(t, err, &nf)

	for _, id := range []string{kept.ID, fresh.ID} {
		_, err := env.lt.Get(ctx, id)
		require.NoError(t, err)
	}
}

func TestForgetExemptsFutureEvents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{})
	env.cfg.ForgettingEnabled = true
	env.cfg.ForgettingMaxAgeDays = 90
	env.cfg.ForgettingMinAccess = 5

	old := time.Now().AddDate(0, 0, -200).UTC()
	upcoming := time.Now().AddDate(0, 0, 30).UTC()
	past := time.Now().AddDate(0, 0, -30).UTC()

	planned := putRecord(t, env, model.MemoryRecord{
		Text: "dentist appointment next month", UserID: "alice",
		MemoryType: model.MemoryTypeEpisodic,
		EventDate:  &upcoming,
		LastAccessedAt: old, AccessCount: 0,
	})
	happened := putRecord(t, env, model.MemoryRecord{
		Text: "attended the conference", UserID: "alice",
		MemoryType: model.MemoryTypeEpisodic,
		EventDate:  &past,
		LastAccessedAt: old, AccessCount: 0,
	})

	require.NoError(t, env.pipe.handleForget(ctx, nil))

	_, err := env.lt.Get(ctx, planned.ID)
	require.NoError(t, err, "records for future events are kept however stale")

	var nf *registryvector.NotFoundError
	_, err = env.lt.Get(ctx, happened.ID)
	require.ErrorAs(t, err, &nf)
}

func TestForgetDisabledIsNoOp(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeChat{})
	env.cfg.ForgettingEnabled = false
	env.cfg.ForgettingMaxAgeDays = 90

	rec := putRecord(t, env, model.MemoryRecord{
		Text: "ancient", UserID: "alice",
		LastAccessedAt: time.Now().AddDate(0, 0, -400).UTC(),
	})

	require.NoError(t, env.pipe.handleForget(ctx, nil))

	_, err := env.lt.Get(ctx, rec.ID)
	require.NoError(t, err)
}
