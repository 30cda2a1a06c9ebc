package experience

// sumTree is a flat binary segment tree over leaf weights, supporting O(log n)
// prefix-sum lookup. Built lazily from the priority slice and discarded on any
// mutation; callers never update it in place.
type sumTree struct {
	nodes  []float64
	leaves int // power-of-two leaf count
	size   int // live leaf count
}

func newSumTree(weights []float64) *sumTree {
	leaves := 1
	for leaves < len(weights) {
		leaves <<= 1
	}
	t := &sumTree{
		nodes:  make([]float64, 2*leaves),
		leaves: leaves,
		size:   len(weights),
	}
	for i, w := range weights {
		t.nodes[leaves+i] = w
	}
	for i := leaves - 1; i >= 1; i-- {
		t.nodes[i] = t.nodes[2*i] + t.nodes[2*i+1]
	}
	return t
}

// total is the sum of all leaf weights.
func (t *sumTree) total() float64 {
	if len(t.nodes) < 2 {
		return 0
	}
	return t.nodes[1]
}

// weight returns the leaf weight at index i.
func (t *sumTree) weight(i int) float64 {
	return t.nodes[t.leaves+i]
}

// find descends to the leaf whose cumulative range contains v and returns its
// index. v outside [0,total) clamps to the last live leaf.
func (t *sumTree) find(v float64) int {
	i := 1
	for i < t.leaves {
		left := 2 * i
		if v < t.nodes[left] {
			i = left
		} else {
			v -= t.nodes[left]
			i = left + 1
		}
	}
	idx := i - t.leaves
	if idx >= t.size {
		idx = t.size - 1
	}
	return idx
}
