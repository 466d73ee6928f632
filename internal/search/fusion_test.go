package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(scored []Scored) []string {
	out := make([]string, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.ID)
	}
	return out
}

func TestFuseSingleListKeepsOrder(t *testing.T) {
	for _, k := range []int{1, 10, 60, 1000} {
		got := Fuse([][]string{{"A", "B", "C"}}, k)
		assert.Equal(t, []string{"A", "B", "C"}, ids(got), "k=%d", k)
		assert.InDelta(t, 1.0/float64(k+1), got[0].Score, 1e-12)
	}
}

func TestFuseTopEverywhereWins(t *testing.T) {
	got := Fuse([][]string{
		{"X", "A", "B"},
		{"X", "B", "C"},
		{"X", "C", "A", "D"},
	}, 60)
	require.NotEmpty(t, got)
	assert.Equal(t, "X", got[0].ID)
	assert.InDelta(t, 3.0/61, got[0].Score, 1e-12)
	assert.Len(t, got, 5)
}

func TestFuseMissingEntriesContributeNothing(t *testing.T) {
	got := Fuse([][]string{{"A", "B"}, {"B"}}, 60)
	assert.Equal(t, []string{"B", "A"}, ids(got))
	assert.InDelta(t, 1.0/62+1.0/61, got[0].Score, 1e-12)
	assert.InDelta(t, 1.0/61, got[1].Score, 1e-12)
}

func TestFuseTiesKeepFirstArrival(t *testing.T) {
	got := Fuse([][]string{{"A", "B"}, {"B", "A"}}, 60)
	assert.Equal(t, []string{"A", "B"}, ids(got))
}

func TestFuseEmpty(t *testing.T) {
	assert.Empty(t, Fuse(nil, 60))
	assert.Empty(t, Fuse([][]string{{}, {}}, 60))
}

func TestFuseDefaultK(t *testing.T) {
	assert.Equal(t, Fuse([][]string{{"A"}}, DefaultRRFK), Fuse([][]string{{"A"}}, 0))
}
