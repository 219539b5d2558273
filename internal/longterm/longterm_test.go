package longterm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmem/memory-service/internal/model"
	"github.com/agentmem/memory-service/internal/plugin/vector/memvec"
	registryvector "github.com/agentmem/memory-service/internal/registry/vector"
)

func TestHashIsDeterministic(t *testing.T) {
	rec := func() *model.MemoryRecord {
		return &model.MemoryRecord{
			Text:       "User prefers aisle seats",
			UserID:     "alice",
			Namespace:  "prod",
			SessionID:  "s1",
			MemoryType: model.MemoryTypeSemantic,
		}
	}
	require.Equal(t, Hash(rec()), Hash(rec()))

	// case and surrounding whitespace do not change the hash
	trimmed := rec()
	trimmed.Text = "  user prefers AISLE seats  "
	require.Equal(t, Hash(rec()), Hash(trimmed))

	// identity fields do
	otherUser := rec()
	otherUser.UserID = "bob"
	require.NotEqual(t, Hash(rec()), Hash(otherUser))

	otherType := rec()
	otherType.MemoryType = model.MemoryTypeEpisodic
	require.NotEqual(t, Hash(rec()), Hash(otherType))

	event := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	withDate := rec()
	withDate.EventDate = &event
	require.NotEqual(t, Hash(rec()), Hash(withDate))
}

func TestCreateSkipsExactDuplicates(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memvec.New())

	first, err := svc.Create(ctx, []model.MemoryRecord{{
		Text: "User prefers aisle seats", UserID: "alice",
	}})
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NotEmpty(t, first[0].ID)
	require.NotEmpty(t, first[0].Hash)
	require.NotNil(t, first[0].PersistedAt)
	require.Equal(t, model.MemoryTypeSemantic, first[0].MemoryType)

	// same content again: nothing written, the first record stands in
	second, err := svc.Create(ctx, []model.MemoryRecord{{
		Text: "user prefers aisle seats", UserID: "alice",
	}})
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, first[0].ID, second[0].ID)

	n, err := svc.Store().Count(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestCreateIgnoresSupersededDuplicates(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memvec.New())

	first, err := svc.Create(ctx, []model.MemoryRecord{{
		Text: "user likes tea", UserID: "alice",
	}})
	require.NoError(t, err)
	replacement, err := svc.Create(ctx, []model.MemoryRecord{{
		Text: "user likes green tea", UserID: "alice",
	}})
	require.NoError(t, err)
	require.NoError(t, svc.Supersede(ctx, first[0].ID, replacement[0].ID))

	// the superseded record no longer blocks its own content hash
	again, err := svc.Create(ctx, []model.MemoryRecord{{
		Text: "user likes tea", UserID: "alice",
	}})
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.NotEqual(t, first[0].ID, again[0].ID)
	require.NotNil(t, again[0].PersistedAt)
}

func TestCreateRejectsEmptyText(t *testing.T) {
	svc := NewService(memvec.New())
	_, err := svc.Create(context.Background(), []model.MemoryRecord{{Text: "   "}})
	var ve *registryvector.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "text", ve.Field)
}

func TestEditOnlyTouchesEnrichmentFields(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memvec.New())
	written, err := svc.Create(ctx, []model.MemoryRecord{{Text: "moved to Berlin", UserID: "alice"}})
	require.NoError(t, err)

	event := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	got, err := svc.Edit(ctx, written[0].ID, EditRequest{
		Topics:    []string{"relocation"},
		Entities:  []string{"Berlin"},
		EventDate: &event,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"relocation"}, got.Topics)
	require.Equal(t, []string{"Berlin"}, got.Entities)
	require.Equal(t, event, got.EventDate.UTC())
	require.Equal(t, written[0].Text, got.Text)
	require.Equal(t, written[0].Hash, got.Hash)
}

func TestSupersedeRejectsSelfAndCycles(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memvec.New())
	recs, err := svc.Create(ctx, []model.MemoryRecord{
		{Text: "fact one", UserID: "u"},
		{Text: "fact two", UserID: "u"},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	a, b := recs[0].ID, recs[1].ID

	var ce *registryvector.ConflictError
	require.ErrorAs(t, svc.Supersede(ctx, a, a), &ce)

	require.NoError(t, svc.Supersede(ctx, a, b))
	require.ErrorAs(t, svc.Supersede(ctx, b, a), &ce)

	got, err := svc.Get(ctx, a)
	require.NoError(t, err)
	require.Equal(t, b, got.SupersededBy)
}

func TestSupersededExcludedFromSearch(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memvec.New())
	recs, err := svc.Create(ctx, []model.MemoryRecord{
		{Text: "old address", UserID: "u"},
		{Text: "new address", UserID: "u"},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Supersede(ctx, recs[0].ID, recs[1].ID))

	visible, err := svc.Store().Search(ctx, registryvector.SearchQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, recs[1].ID, visible[0].Record.ID)

	all, err := svc.Store().Search(ctx, registryvector.SearchQuery{Limit: 10, IncludeSuperseded: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestTouchBumpsAccessStats(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memvec.New())
	recs, err := svc.Create(ctx, []model.MemoryRecord{{Text: "likes espresso", UserID: "u"}})
	require.NoError(t, err)

	svc.Touch(ctx, []string{recs[0].ID})
	svc.Touch(ctx, []string{recs[0].ID})

	got, err := svc.Get(ctx, recs[0].ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.AccessCount)
	require.False(t, got.LastAccessedAt.IsZero())
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	svc := NewService(memvec.New())
	_, err := svc.Get(context.Background(), "missing")
	var nf *registryvector.NotFoundError
	require.ErrorAs(t, err, &nf)
}
