package model

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIDIsMonotonic(t *testing.T) {
	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = NewID()
	}
	require.True(t, sort.StringsAreSorted(ids), "ids must sort in generation order")

	seen := map[string]bool{}
	for _, id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
