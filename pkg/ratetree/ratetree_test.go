package ratetree

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// ─── invariant checks ────────────────────────────────────────────────────────

// checkInvariants walks the whole tree and fails the test if BST order, AVL
// balance, or the subtree-total augmentation is violated anywhere.
func checkInvariants(t *testing.T, tr *Tree[string]) {
	t.Helper()
	if !validate(tr.root, func(n *node[string]) bool {
		if n.low != nil && n.low.key >= n.key {
			return false
		}
		if n.high != nil && n.high.key <= n.key {
			return false
		}
		return true
	}) {
		t.Fatal("BST order violated")
	}
	if !validate(tr.root, func(n *node[string]) bool {
		b := height(n.high) - height(n.low)
		if b < -1 || b > 1 {
			return false
		}
		h := height(n.low)
		if hh := height(n.high); hh > h {
			h = hh
		}
		return n.height == h+1
	}) {
		t.Fatal("AVL balance violated")
	}
	if !validate(tr.root, func(n *node[string]) bool {
		// Must sum in the same order as refresh to compare exactly.
		return n.total == n.rate+subtotal(n.low)+subtotal(n.high)
	}) {
		t.Fatal("subtree totals violated")
	}
}

func validate(n *node[string], ok func(*node[string]) bool) bool {
	if n == nil {
		return true
	}
	return ok(n) && validate(n.low, ok) && validate(n.high, ok)
}

// ─── deterministic tests ─────────────────────────────────────────────────────

func TestEmptyTree(t *testing.T) {
	tr := New[string]()
	if tr.Total() != 0 {
		t.Errorf("Total() = %v, want 0", tr.Total())
	}
	if tr.Exists("a") {
		t.Error("Exists on empty tree")
	}
	if tr.Rate("a") != 0 {
		t.Errorf("Rate() = %v, want 0", tr.Rate("a"))
	}
	if tr.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tr.Len())
	}
}

func TestUpdateEraseRoundTrip(t *testing.T) {
	tr := New[string]()
	tr.Update("a", 2.5)
	if !tr.Exists("a") {
		t.Fatal("key missing after Update")
	}
	if got := tr.Rate("a"); got != 2.5 {
		t.Errorf("Rate = %v, want 2.5", got)
	}
	if got := tr.Total(); got != 2.5 {
		t.Errorf("Total = %v, want 2.5", got)
	}

	tr.Update("a", 4.0)
	if got := tr.Rate("a"); got != 4.0 {
		t.Errorf("Rate after overwrite = %v, want 4.0", got)
	}
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1 after overwrite", tr.Len())
	}

	tr.Erase("a")
	if tr.Exists("a") {
		t.Error("key still present after Erase")
	}
	if tr.Total() != 0 {
		t.Errorf("Total = %v, want 0 after Erase", tr.Total())
	}
}

func TestUpdateFunc(t *testing.T) {
	tr := New[string]()
	double := func(old float64) float64 {
		if old == 0 {
			return 1
		}
		return old * 2
	}
	tr.UpdateFunc("a", double)
	if got := tr.Rate("a"); got != 1 {
		t.Errorf("Rate = %v, want 1 (fn applied to 0 for absent key)", got)
	}
	tr.UpdateFunc("a", double)
	if got := tr.Rate("a"); got != 2 {
		t.Errorf("Rate = %v, want 2", got)
	}
}

// TestLocateDeterminism pins down the cumulative-interval mapping on a small
// fixed tree: rates [(A,1),(B,2),(C,3),(D,4)] divide [0,10) into intervals
// [0,1) [1,3) [3,6) [6,10).
func TestLocateDeterminism(t *testing.T) {
	tr := New[string]()
	tr.Update("A", 1)
	tr.Update("B", 2)
	tr.Update("C", 3)
	tr.Update("D", 4)

	if got := tr.Total(); got != 10 {
		t.Fatalf("Total = %v, want 10", got)
	}

	want := []string{"A", "B", "B", "C", "C", "C", "D", "D", "D", "D"}
	for x, key := range want {
		if got := tr.Locate(float64(x)); got != key {
			t.Errorf("Locate(%d) = %q, want %q", x, got, key)
		}
	}
}

// TestLocateMultiset inserts integer rates in several orders and verifies
// that sweeping x over {0,…,S−1} returns each key exactly rate(key) times.
func TestLocateMultiset(t *testing.T) {
	keys := []string{"m", "c", "x", "a", "q", "b", "z", "f"}
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 20; trial++ {
		tr := New[string]()
		want := make(map[string]int)
		rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
		for _, k := range keys {
			r := 1 + rng.Intn(9)
			tr.Update(k, float64(r))
			want[k] = r
		}
		checkInvariants(t, tr)

		got := make(map[string]int)
		for x := 0; x < int(tr.Total()); x++ {
			got[tr.Locate(float64(x))]++
		}
		for k, n := range want {
			if got[k] != n {
				t.Fatalf("trial %d: key %q located %d times, want %d", trial, k, got[k], n)
			}
		}
	}
}

func TestEraseAllOrders(t *testing.T) {
	keys := []string{"d", "b", "f", "a", "c", "e", "g", "h", "i", "j"}
	rng := rand.New(rand.NewSource(11))

	for trial := 0; trial < 50; trial++ {
		tr := New[string]()
		for i, k := range keys {
			tr.Update(k, float64(i+1))
		}
		order := append([]string(nil), keys...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, k := range order {
			tr.Erase(k)
			checkInvariants(t, tr)
			if tr.Exists(k) {
				t.Fatalf("key %q still present after Erase", k)
			}
		}
		if tr.Len() != 0 || tr.Total() != 0 {
			t.Fatalf("tree not empty after erasing everything: len=%d total=%v", tr.Len(), tr.Total())
		}
	}
}

func TestEraseAbsentKey(t *testing.T) {
	tr := New[string]()
	tr.Update("a", 1)
	tr.Erase("zzz")
	if tr.Len() != 1 || tr.Total() != 1 {
		t.Errorf("erasing an absent key changed the tree: len=%d total=%v", tr.Len(), tr.Total())
	}
}

func TestLocatePanics(t *testing.T) {
	tr := New[string]()
	assertPanics(t, "empty tree", func() { tr.Locate(0) })

	tr.Update("a", 5)
	assertPanics(t, "negative point", func() { tr.Locate(-0.1) })
	assertPanics(t, "point at total", func() { tr.Locate(5) })
	assertPanics(t, "negative rate", func() { tr.Update("b", -1) })
}

func assertPanics(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	fn()
}

// ─── property tests ──────────────────────────────────────────────────────────

// treeOp is one step of a randomized workload.
type treeOp struct {
	erase bool
	key   string
	rate  float64
}

// TestRandomWorkloadProperties drives long random Update/Erase sequences and
// re-checks every structural invariant after each step, mirroring the model
// in a plain map to cross-check Total, Exists, and Rate.
func TestRandomWorkloadProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng = rand.New(rand.NewSource(42))
	properties := gopter.NewProperties(parameters)

	genOp := gopter.CombineGens(
		gen.Bool(),
		gen.AlphaLowerChar(),
		gen.Float64Range(0.5, 100),
	).Map(func(vs []interface{}) treeOp {
		return treeOp{
			erase: vs[0].(bool),
			key:   string(vs[1].(rune)),
			rate:  vs[2].(float64),
		}
	})

	properties.Property("invariants hold under mixed workloads", prop.ForAll(
		func(ops []treeOp) bool {
			tr := New[string]()
			model := make(map[string]float64)
			for _, op := range ops {
				if op.erase {
					tr.Erase(op.key)
					delete(model, op.key)
				} else {
					tr.Update(op.key, op.rate)
					model[op.key] = op.rate
				}
				if !modelMatches(tr, model) {
					return false
				}
				if !structureValid(tr.root) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genOp),
	))

	properties.Property("Locate returns a key with positive measure", prop.ForAll(
		func(ops []treeOp, frac float64) bool {
			tr := New[string]()
			for _, op := range ops {
				tr.Update(op.key, op.rate)
			}
			if tr.Total() == 0 {
				return true
			}
			k := tr.Locate(frac * tr.Total())
			return tr.Exists(k) && tr.Rate(k) > 0
		},
		gen.SliceOf(genOp),
		gen.Float64Range(0, 0.999999),
	))

	properties.TestingRun(t)
}

func modelMatches(tr *Tree[string], model map[string]float64) bool {
	if tr.Len() != len(model) {
		return false
	}
	var sum float64
	for k, r := range model {
		if !tr.Exists(k) || tr.Rate(k) != r {
			return false
		}
		sum += r
	}
	// Totals are float sums in tree order; allow for rounding differences
	// against the model's iteration order.
	diff := tr.Total() - sum
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1e-9*(1+sum)
}

func structureValid(n *node[string]) bool {
	if n == nil {
		return true
	}
	if n.low != nil && n.low.key >= n.key {
		return false
	}
	if n.high != nil && n.high.key <= n.key {
		return false
	}
	if b := height(n.high) - height(n.low); b < -1 || b > 1 {
		return false
	}
	if n.total != n.rate+subtotal(n.low)+subtotal(n.high) {
		return false
	}
	return structureValid(n.low) && structureValid(n.high)
}
