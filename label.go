package imm

// Relabel maps arbitrary cluster ids to 0..K-1 in order of first appearance,
// so that two assignments describing the same partition compare equal.
// Negative ids are kept as -1.
func Relabel(ids []int) []int {
	out := make([]int, len(ids))
	seen := make(map[int]int)
	for i, id := range ids {
		if id < 0 {
			out[i] = -1
			continue
		}
		l, ok := seen[id]
		if !ok {
			l = len(seen)
			seen[id] = l
		}
		out[i] = l
	}
	return out
}

// SamePartition reports whether a and b group the observations identically,
// regardless of the ids used.
func SamePartition(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	ra, rb := Relabel(a), Relabel(b)
	for i := range ra {
		if ra[i] != rb[i] {
			return false
		}
	}
	return true
}
