package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTagFilterMatchOne(t *testing.T) {
	require.True(t, (*TagFilter)(nil).MatchOne("anything"))
	require.True(t, (&TagFilter{Eq: "a"}).MatchOne("a"))
	require.False(t, (&TagFilter{Eq: "a"}).MatchOne("b"))
	require.True(t, (&TagFilter{Ne: "a"}).MatchOne("b"))
	require.True(t, (&TagFilter{AnyOf: []string{"a", "b"}}).MatchOne("b"))
	require.False(t, (&TagFilter{AnyOf: []string{"a", "b"}}).MatchOne("c"))
	require.True(t, (&TagFilter{NoneOf: []string{"a"}}).MatchOne("b"))
	require.False(t, (&TagFilter{NoneOf: []string{"a"}}).MatchOne("a"))
}

func TestTagFilterMatchAny(t *testing.T) {
	topics := []string{"travel", "food"}
	require.True(t, (&TagFilter{Eq: "food"}).MatchAny(topics))
	require.False(t, (&TagFilter{Eq: "sports"}).MatchAny(topics))
	require.True(t, (&TagFilter{AnyOf: []string{"sports", "travel"}}).MatchAny(topics))
	require.False(t, (&TagFilter{Ne: "food"}).MatchAny(topics))
	require.True(t, (&TagFilter{Ne: "sports"}).MatchAny(topics))
	require.False(t, (&TagFilter{NoneOf: []string{"food"}}).MatchAny(topics))
	require.True(t, (&TagFilter{NoneOf: []string{"sports"}}).MatchAny(topics))
}

func TestTimeFilterBounds(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	before := at.Add(-time.Hour)
	after := at.Add(time.Hour)

	require.True(t, (&TimeFilter{Gt: &before}).Match(at))
	require.False(t, (&TimeFilter{Gt: &at}).Match(at))
	require.True(t, (&TimeFilter{Gte: &at}).Match(at))
	require.True(t, (&TimeFilter{Lt: &after}).Match(at))
	require.False(t, (&TimeFilter{Lt: &at}).Match(at))
	require.True(t, (&TimeFilter{Lte: &at}).Match(at))
	require.False(t, (&TimeFilter{Gte: &before, Lt: &at}).Match(at))

	// zero time only matches an empty filter
	require.True(t, (*TimeFilter)(nil).Match(time.Time{}))
	require.False(t, (&TimeFilter{Gte: &before}).Match(time.Time{}))
}

func TestFiltersMatchRecord(t *testing.T) {
	created := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	event := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	rec := &MemoryRecord{
		ID:         "r1",
		Text:       "likes hiking",
		MemoryType: MemoryTypeSemantic,
		Namespace:  "prod",
		UserID:     "alice",
		Topics:     []string{"hobbies"},
		CreatedAt:  created,
		EventDate:  &event,
	}

	require.True(t, (*Filters)(nil).Match(rec))
	require.True(t, (&Filters{Namespace: &TagFilter{Eq: "prod"}, UserID: &TagFilter{Eq: "alice"}}).Match(rec))
	require.False(t, (&Filters{UserID: &TagFilter{Eq: "bob"}}).Match(rec))
	require.True(t, (&Filters{Topics: &TagFilter{AnyOf: []string{"hobbies", "food"}}}).Match(rec))
	require.False(t, (&Filters{MemoryType: &TagFilter{Eq: "episodic"}}).Match(rec))

	// event date filters exclude records without an event date
	noEvent := &MemoryRecord{ID: "r2", MemoryType: MemoryTypeSemantic, CreatedAt: created}
	f := &Filters{EventDate: &TimeFilter{Lte: &created}}
	require.True(t, f.Match(rec))
	require.False(t, f.Match(noEvent))
}
