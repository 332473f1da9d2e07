package table

import "math/rand"

// pickWeighted selects one item with probability proportional to priority.
// totalWeight must be the sum of priorities over live and positive.
func pickWeighted(rng *rand.Rand, live []*Item, totalWeight float64) *Item {
	r := rng.Float64() * totalWeight
	var acc float64
	for _, it := range live {
		acc += it.Priority
		if r < acc {
			return it
		}
	}
	// Floating point accumulation can land past the final bucket.
	return live[len(live)-1]
}
