// Package ratetree implements a self-balancing ordered map from category
// keys to non-negative rates, augmented with subtree rate sums.
//
// The augmentation is what makes the tree useful: Total() returns the sum of
// every stored rate in O(1), and Locate(x) maps any point in [0, Total())
// back to the key whose cumulative-rate interval contains it in O(log N).
// That is exactly the primitive a rate-weighted random selection needs —
// draw x uniformly from [0, Total()) and Locate picks each key with
// probability proportional to its rate.
//
// The tree is not safe for concurrent use. Callers that share one tree
// across goroutines (the scheduler does) must wrap it in their own lock.
package ratetree

import "cmp"

// node is one entry in the AVL tree.
//
// Invariants, re-established after every mutation:
//   - BST order on key;
//   - |height(high) − height(low)| ≤ 1;
//   - total = rate + low.total + high.total;
//   - height = 1 + max(height(low), height(high)).
type node[K cmp.Ordered] struct {
	key  K
	rate float64

	height int
	total  float64

	low, high *node[K]
}

// Tree is an ordered map key → rate with subtree rate sums.
// The zero value is an empty tree ready for use.
type Tree[K cmp.Ordered] struct {
	root *node[K]
	n    int
}

// New returns an empty tree.
func New[K cmp.Ordered]() *Tree[K] {
	return &Tree[K]{}
}

// Len returns the number of keys in the tree.
func (t *Tree[K]) Len() int { return t.n }

// Total returns the sum of all stored rates, or 0 for an empty tree.
func (t *Tree[K]) Total() float64 {
	if t.root == nil {
		return 0
	}
	return t.root.total
}

// Exists reports whether key is present.
func (t *Tree[K]) Exists(key K) bool {
	cur := t.root
	for cur != nil {
		switch {
		case key == cur.key:
			return true
		case key < cur.key:
			cur = cur.low
		default:
			cur = cur.high
		}
	}
	return false
}

// Rate returns the rate stored for key, or 0 if key is absent.
func (t *Tree[K]) Rate(key K) float64 {
	cur := t.root
	for cur != nil {
		switch {
		case key == cur.key:
			return cur.rate
		case key < cur.key:
			cur = cur.low
		default:
			cur = cur.high
		}
	}
	return 0
}

// Update inserts key with the given rate, or overwrites the rate if key is
// already present. The rate must not be negative.
func (t *Tree[K]) Update(key K, rate float64) {
	if rate < 0 {
		panic("ratetree: negative rate")
	}
	t.root = t.upsert(t.root, key, func(float64) float64 { return rate })
}

// UpdateFunc is like Update but derives the new rate from the old one:
// fn(oldRate), or fn(0) if key is absent. fn must return a non-negative rate.
func (t *Tree[K]) UpdateFunc(key K, fn func(float64) float64) {
	if fn == nil {
		panic("ratetree: nil update function")
	}
	t.root = t.upsert(t.root, key, fn)
}

// Erase removes key from the tree. It is a no-op if key is absent.
func (t *Tree[K]) Erase(key K) {
	t.root = t.erase(t.root, key)
}

// Locate maps a point x in [0, Total()) to the key whose cumulative-rate
// interval contains it: with in-order keys k₁…kₙ and rates λ₁…λₙ,
// Locate(x) = kᵢ iff λ₁+…+λᵢ₋₁ ≤ x < λ₁+…+λᵢ.
//
// Calling Locate on an empty tree or with x outside [0, Total()) is a
// contract violation and panics. Inside the walk the comparison is
// deliberately loose: floating-point error from the repeated subtractions
// may leave x slightly past a node's rate, and the walk absorbs that by
// returning a node that has no high child rather than failing.
func (t *Tree[K]) Locate(x float64) K {
	if t.root == nil {
		panic("ratetree: Locate on empty tree")
	}
	if x < 0 || x >= t.root.total {
		panic("ratetree: Locate point out of range")
	}

	cur := t.root
	for {
		// The interval splits into three parts: low subtree, this node,
		// high subtree.
		if cur.low != nil {
			if x < cur.low.total {
				cur = cur.low
				continue
			}
			x -= cur.low.total
		}
		// A missing high child means this node is the last candidate, even
		// if precision error left x ≥ cur.rate.
		if cur.high == nil || x < cur.rate {
			return cur.key
		}
		x -= cur.rate
		cur = cur.high
	}
}

// ─── internal: insert / erase / rebalance ────────────────────────────────────

func (t *Tree[K]) upsert(cur *node[K], key K, fn func(float64) float64) *node[K] {
	if cur == nil {
		rate := fn(0)
		if rate < 0 {
			panic("ratetree: negative rate")
		}
		t.n++
		return &node[K]{key: key, rate: rate, height: 1, total: rate}
	}
	switch {
	case key == cur.key:
		rate := fn(cur.rate)
		if rate < 0 {
			panic("ratetree: negative rate")
		}
		cur.rate = rate
	case key < cur.key:
		cur.low = t.upsert(cur.low, key, fn)
	default:
		cur.high = t.upsert(cur.high, key, fn)
	}
	return rebalance(cur)
}

func (t *Tree[K]) erase(cur *node[K], key K) *node[K] {
	if cur == nil {
		return nil
	}
	switch {
	case key == cur.key:
		t.n--
		cur = removeNode(cur)
	case key < cur.key:
		cur.low = t.erase(cur.low, key)
	default:
		cur.high = t.erase(cur.high, key)
	}
	return rebalance(cur)
}

// removeNode detaches cur from the tree and returns its replacement (which
// may be nil). When both children exist, the replacement is the in-order
// neighbour taken from the heavier side, so removal never worsens balance by
// more than the one rotation rebalance can fix.
func removeNode[K cmp.Ordered](cur *node[K]) *node[K] {
	if cur.low == nil {
		return cur.high
	}
	if cur.high == nil {
		return cur.low
	}

	var repl *node[K]
	if balance(cur) < 0 {
		cur.low, repl = removeHighest(cur.low)
	} else {
		cur.high, repl = removeLowest(cur.high)
	}
	repl.low = cur.low
	repl.high = cur.high
	refresh(repl)
	return repl
}

// removeLowest splits the leftmost node out of the subtree rooted at cur,
// returning the updated subtree and the detached node (children cleared).
func removeLowest[K cmp.Ordered](cur *node[K]) (*node[K], *node[K]) {
	if cur.low == nil {
		rest := cur.high
		cur.low, cur.high = nil, nil
		refresh(cur)
		return rest, cur
	}
	var removed *node[K]
	cur.low, removed = removeLowest(cur.low)
	return rebalance(cur), removed
}

// removeHighest is the mirror of removeLowest.
func removeHighest[K cmp.Ordered](cur *node[K]) (*node[K], *node[K]) {
	if cur.high == nil {
		rest := cur.low
		cur.low, cur.high = nil, nil
		refresh(cur)
		return rest, cur
	}
	var removed *node[K]
	cur.high, removed = removeHighest(cur.high)
	return rebalance(cur), removed
}

func height[K cmp.Ordered](n *node[K]) int {
	if n == nil {
		return 0
	}
	return n.height
}

func subtotal[K cmp.Ordered](n *node[K]) float64 {
	if n == nil {
		return 0
	}
	return n.total
}

// balance is height(high) − height(low); positive means high-heavy.
func balance[K cmp.Ordered](n *node[K]) int {
	return height(n.high) - height(n.low)
}

// refresh re-derives the augmented fields of n from its children.
// NOTE: total must be computed as rate + low + high in exactly this order so
// that the invariant check in tests compares bit-identical float sums.
func refresh[K cmp.Ordered](n *node[K]) {
	n.total = n.rate + subtotal(n.low) + subtotal(n.high)
	h := height(n.low)
	if hh := height(n.high); hh > h {
		h = hh
	}
	n.height = h + 1
}

// rebalance refreshes n and applies a single or double rotation when the
// AVL balance bound is exceeded.
func rebalance[K cmp.Ordered](n *node[K]) *node[K] {
	if n == nil {
		return nil
	}
	refresh(n)
	switch b := balance(n); {
	case b > 1:
		return rotateLow(n)
	case b < -1:
		return rotateHigh(n)
	}
	return n
}

// rotateLow handles a high-heavy node: a left rotation, preceded by a right
// rotation of the high child when that child is itself low-heavy.
func rotateLow[K cmp.Ordered](n *node[K]) *node[K] {
	if balance(n.high) < 0 {
		n.high = rotateHigh(n.high)
	}
	pivot := n.high
	n.high = pivot.low
	pivot.low = n
	refresh(n)
	refresh(pivot)
	return pivot
}

// rotateHigh is the mirror of rotateLow for low-heavy nodes.
func rotateHigh[K cmp.Ordered](n *node[K]) *node[K] {
	if balance(n.low) > 0 {
		n.low = rotateLow(n.low)
	}
	pivot := n.low
	n.low = pivot.high
	pivot.high = n
	refresh(n)
	refresh(pivot)
	return pivot
}
