// Package tree holds the gapped-position arithmetic used to order
// sibling nodes. Positions are sparse integers: siblings are spaced by
// Gap so most inserts and moves touch a single row, and a full sibling
// renumber only happens when a gap closes below MinGap.
package tree

// Gap is the spacing between consecutive siblings after a rebalance,
// and the position of the first child under an empty parent.
const Gap = 1024

// MinGap is the smallest usable gap between adjacent siblings. When a
// midpoint insert would land closer than this to a neighbor, the
// sibling list must be rebalanced first.
const MinGap = 2

// MaxDepth bounds ancestor and descendant walks. A chain longer than
// this indicates parent-pointer corruption, not a legitimate tree.
const MaxDepth = 512

// Append returns the position for a new last sibling. last is the
// current maximum sibling position; pass 0 when the parent is empty.
func Append(last int) int {
	return last + Gap
}

// Midpoint returns the position for a node inserted between two
// siblings. Integer floor keeps the result strictly inside the gap
// whenever the gap is at least MinGap.
func Midpoint(prev, next int) int {
	return (prev + next) / 2
}

// NeedsRebalance reports whether the gap between two adjacent sibling
// positions is too small for a midpoint insert.
func NeedsRebalance(prev, next int) bool {
	return next-prev < MinGap
}

// Rebalanced returns the position for the sibling at index (0-based)
// after a full renumber: (index+1)*Gap, preserving relative order.
func Rebalanced(index int) int {
	return (index + 1) * Gap
}
