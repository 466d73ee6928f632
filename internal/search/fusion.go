package search

import "sort"

// DefaultRRFK is the usual Reciprocal Rank Fusion constant.
const DefaultRRFK = 60

// Scored is one fused entry.
type Scored struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Fuse merges ranked id lists with Reciprocal Rank Fusion: an id at
// zero-based rank r of a list gains 1/(k+r+1). The result is ordered by
// descending score; equal scores keep the order in which ids were first
// seen. k <= 0 selects DefaultRRFK.
func Fuse(lists [][]string, k int) []Scored {
	if k <= 0 {
		k = DefaultRRFK
	}
	index := make(map[string]int)
	var out []Scored
	for _, list := range lists {
		for rank, id := range list {
			i, ok := index[id]
			if !ok {
				i = len(out)
				index[id] = i
				out = append(out, Scored{ID: id})
			}
			out[i].Score += 1.0 / float64(k+rank+1)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}
