package runqueue

import (
	"math/rand"
	"testing"
)

// checkMinInvariant verifies that every node's subtree minimum equals the
// minimum of its own key and its children's subtree minima, and that parent
// links are consistent.
func checkMinInvariant(t *testing.T, q *Queue) {
	t.Helper()
	var walk func(h int32) Key
	walk = func(h int32) Key {
		n := &q.nodes[h]
		m := n.key
		if n.left != none {
			if q.nodes[n.left].parent != h {
				t.Fatalf("node %d: left child %d has parent %d", h, n.left, q.nodes[n.left].parent)
			}
			if lm := walk(n.left); lm.Less(m) {
				m = lm
			}
		}
		if n.right != none {
			if q.nodes[n.right].parent != h {
				t.Fatalf("node %d: right child %d has parent %d", h, n.right, q.nodes[n.right].parent)
			}
			if rm := walk(n.right); rm.Less(m) {
				m = rm
			}
		}
		if n.min != m {
			t.Fatalf("node %d (finish=%d task=%d): min is (finish=%d task=%d), want (finish=%d task=%d)",
				h, n.key.Finish, n.key.TaskID, n.min.Finish, n.min.TaskID, m.Finish, m.TaskID)
		}
		return m
	}
	if q.root != none {
		if q.nodes[q.root].parent != none {
			t.Fatalf("root %d has parent %d", q.root, q.nodes[q.root].parent)
		}
		walk(q.root)
	}
}

// checkOrdering verifies the binary search tree property over keys.
func checkOrdering(t *testing.T, q *Queue) {
	t.Helper()
	var prev *Key
	var walk func(h int32)
	walk = func(h int32) {
		if h == none {
			return
		}
		n := &q.nodes[h]
		walk(n.left)
		if prev != nil && !prev.Less(n.key) {
			t.Fatalf("ordering violated: (%d,%d) before (%d,%d)",
				prev.Finish, prev.TaskID, n.key.Finish, n.key.TaskID)
		}
		k := n.key
		prev = &k
		walk(n.right)
	}
	walk(q.root)
}

func TestInsertMaintainsMinInvariant(t *testing.T) {
	q := New()
	finishes := []int64{30, 10, 20, 5, 40, 15, 25, 35, 1, 50}
	for i, f := range finishes {
		q.Insert(uint64(i+1), 0, f)
		checkMinInvariant(t, q)
		checkOrdering(t, q)
	}
	if q.Len() != len(finishes) {
		t.Fatalf("expected %d queued tasks, got %d", len(finishes), q.Len())
	}

	min, ok := q.MinFinish()
	if !ok || min != 1 {
		t.Fatalf("expected min finish 1, got %d (ok=%v)", min, ok)
	}
}

func TestRemoveMaintainsMinInvariant(t *testing.T) {
	q := New()
	finishes := []int64{30, 10, 20, 5, 40, 15, 25, 35, 1, 50}
	for i, f := range finishes {
		q.Insert(uint64(i+1), 0, f)
	}

	// Remove in an order that exercises leaf, one-child and two-child cases.
	for _, id := range []uint64{3, 9, 1, 10, 5, 2, 7, 4, 6, 8} {
		if !q.Remove(id) {
			t.Fatalf("task %d not found", id)
		}
		checkMinInvariant(t, q)
		checkOrdering(t, q)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestRandomizedOperationsPreserveInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	q := New()
	queued := make(map[uint64]bool)
	var nextID uint64 = 1

	for i := 0; i < 2000; i++ {
		if len(queued) == 0 || rng.Intn(3) != 0 {
			id := nextID
			nextID++
			q.Insert(id, rng.Int63n(1000), rng.Int63n(100))
			queued[id] = true
		} else {
			var id uint64
			for k := range queued {
				id = k
				break
			}
			if !q.Remove(id) {
				t.Fatalf("task %d should be queued", id)
			}
			delete(queued, id)
		}

		if i%37 == 0 {
			checkMinInvariant(t, q)
			checkOrdering(t, q)
		}
		if q.Len() != len(queued) {
			t.Fatalf("size mismatch: queue says %d, reference says %d", q.Len(), len(queued))
		}
	}
	checkMinInvariant(t, q)
	checkOrdering(t, q)
}

func TestEarliestEligible(t *testing.T) {
	q := New()
	// (id, start, finish)
	tasks := []struct {
		id            uint64
		start, finish int64
	}{
		{1, 0, 30},
		{2, 50, 10}, // earliest deadline but not yet eligible
		{3, 5, 20},
		{4, 100, 5}, // even earlier deadline, eligible last
	}
	for _, tk := range tasks {
		q.Insert(tk.id, tk.start, tk.finish)
	}

	cases := []struct {
		now    int64
		wantID uint64
		found  bool
	}{
		{-1, 0, false},
		{0, 1, true},
		{5, 3, true},
		{49, 3, true},
		{50, 2, true},
		{99, 2, true},
		{100, 4, true},
	}
	for _, c := range cases {
		key, ok := q.EarliestEligible(c.now)
		if ok != c.found {
			t.Fatalf("now=%d: found=%v, want %v", c.now, ok, c.found)
		}
		if ok && key.TaskID != c.wantID {
			t.Fatalf("now=%d: picked task %d, want %d", c.now, key.TaskID, c.wantID)
		}
	}
}

func TestEarliestEligibleMatchesLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	q := New()
	type ref struct{ start, finish int64 }
	tasks := make(map[uint64]ref)

	for id := uint64(1); id <= 200; id++ {
		r := ref{start: rng.Int63n(100), finish: rng.Int63n(100)}
		tasks[id] = r
		q.Insert(id, r.start, r.finish)
	}

	for now := int64(-1); now <= 100; now += 7 {
		var wantKey Key
		wantFound := false
		for id, r := range tasks {
			if r.start > now {
				continue
			}
			k := Key{Finish: r.finish, TaskID: id}
			if !wantFound || k.Less(wantKey) {
				wantKey = k
				wantFound = true
			}
		}

		gotKey, gotFound := q.EarliestEligible(now)
		if gotFound != wantFound {
			t.Fatalf("now=%d: found=%v, want %v", now, gotFound, wantFound)
		}
		if gotFound && gotKey != wantKey {
			t.Fatalf("now=%d: got (%d,%d), want (%d,%d)",
				now, gotKey.Finish, gotKey.TaskID, wantKey.Finish, wantKey.TaskID)
		}
	}
}

func TestRotationRoundTripRestoresMinima(t *testing.T) {
	build := func() *Queue {
		q := New()
		for i, f := range []int64{20, 10, 30, 5, 15, 25, 40} {
			q.Insert(uint64(i+1), 0, f)
		}
		return q
	}

	q := build()
	checkMinInvariant(t, q)

	snapshot := make([]Key, len(q.nodes))
	for i := range q.nodes {
		snapshot[i] = q.nodes[i].min
	}

	// A left rotation followed by the symmetric right rotation on the same
	// subtree must restore every subtree minimum it touched.
	pivot := q.root
	if q.nodes[pivot].right == none {
		t.Fatalf("test tree has no right child at the root")
	}
	q.rotateLeft(pivot)
	checkMinInvariant(t, q)
	q.rotateRight(q.nodes[pivot].parent)
	checkMinInvariant(t, q)

	for i := range q.nodes {
		if q.nodes[i].min != snapshot[i] {
			t.Fatalf("node %d: min (%d,%d) after round trip, want (%d,%d)",
				i, q.nodes[i].min.Finish, q.nodes[i].min.TaskID,
				snapshot[i].Finish, snapshot[i].TaskID)
		}
	}
}

func TestDuplicateInsertPanics(t *testing.T) {
	q := New()
	q.Insert(1, 0, 10)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate insert")
		}
	}()
	q.Insert(1, 0, 20)
}

func TestEndToEndPickAndRemove(t *testing.T) {
	q := New()
	for i, f := range []int64{30, 10, 20, 5} {
		q.Insert(uint64(i+1), 0, f)
	}

	const farFuture = int64(1) << 62

	key, ok := q.EarliestEligible(farFuture)
	if !ok || key.Finish != 5 {
		t.Fatalf("expected finish 5, got %d (ok=%v)", key.Finish, ok)
	}
	if !q.Remove(key.TaskID) {
		t.Fatalf("failed to remove task %d", key.TaskID)
	}
	checkMinInvariant(t, q)

	key, ok = q.EarliestEligible(farFuture)
	if !ok || key.Finish != 10 {
		t.Fatalf("expected finish 10 after removal, got %d (ok=%v)", key.Finish, ok)
	}
}

func TestArenaReusesFreedNodes(t *testing.T) {
	q := New()
	for i := 0; i < 64; i++ {
		q.Insert(uint64(i+1), 0, int64(i))
	}
	capBefore := len(q.nodes)
	for i := 0; i < 64; i++ {
		q.Remove(uint64(i + 1))
	}
	for i := 0; i < 64; i++ {
		q.Insert(uint64(i+100), 0, int64(i))
	}
	if len(q.nodes) != capBefore {
		t.Fatalf("arena grew from %d to %d despite freed nodes", capBefore, len(q.nodes))
	}
	checkMinInvariant(t, q)
}
