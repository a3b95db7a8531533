package runqueue

import "fmt"

// Queue is a per-CPU ready queue: a red-black tree of runnable tasks ordered
// by virtual deadline. Every node additionally tracks the minimum deadline in
// its subtree, which makes "earliest-finishing eligible task" an O(log n)
// descent instead of an in-order scan.
//
// Nodes live in an arena and reference each other by index, so the queue never
// owns task lifetime; it stores task IDs and timing fields only.

// Key orders queued tasks. The task ID tie-break makes every key unique, so
// two tasks with the same deadline still occupy distinct tree positions.
type Key struct {
	Finish int64
	TaskID uint64
}

func (k Key) Less(o Key) bool {
	if k.Finish != o.Finish {
		return k.Finish < o.Finish
	}
	return k.TaskID < o.TaskID
}

const none = int32(-1)

type nodeColor uint8

const (
	red nodeColor = iota
	black
)

type node struct {
	key   Key
	start int64 // eligible time; tasks with start > now are not picked
	min   Key   // minimum key over this node and its descendants

	left   int32
	right  int32
	parent int32
	color  nodeColor
}

type Queue struct {
	nodes []node
	root  int32
	free  int32 // freelist head, chained through node.right
	size  int
	index map[uint64]int32
}

func New() *Queue {
	return &Queue{
		root:  none,
		free:  none,
		index: make(map[uint64]int32),
	}
}

func (q *Queue) Len() int { return q.size }

// Insert adds a task to the queue. Keys are unique by construction (task ID
// tie-break); hitting an equal key during descent means the caller inserted
// the same task twice or the tree is corrupted, and is fatal.
func (q *Queue) Insert(taskID uint64, start, finish int64) {
	if _, dup := q.index[taskID]; dup {
		panic(fmt.Sprintf("runqueue: task %d already queued", taskID))
	}
	key := Key{Finish: finish, TaskID: taskID}

	h := q.alloc()
	n := &q.nodes[h]
	n.key = key
	n.start = start
	n.min = key
	n.left, n.right, n.parent = none, none, none
	n.color = red

	// Descend to the insertion point, folding the new key into the subtree
	// minimum of every ancestor passed on the way down.
	if q.root == none {
		q.root = h
		q.nodes[h].color = black
	} else {
		cur := q.root
		for {
			c := &q.nodes[cur]
			if key.Less(c.min) {
				c.min = key
			}
			if key.Less(c.key) {
				if c.left == none {
					c.left = h
					q.nodes[h].parent = cur
					break
				}
				cur = c.left
			} else if c.key.Less(key) {
				if c.right == none {
					c.right = h
					q.nodes[h].parent = cur
					break
				}
				cur = c.right
			} else {
				panic(fmt.Sprintf("runqueue: duplicate key (finish=%d task=%d)", key.Finish, key.TaskID))
			}
		}
		q.insertFixup(h)
	}

	q.index[taskID] = h
	q.size++
}

// Remove detaches the given task from the queue. Returns false if the task is
// not queued.
func (q *Queue) Remove(taskID uint64) bool {
	h, ok := q.index[taskID]
	if !ok {
		return false
	}
	q.erase(h)
	delete(q.index, taskID)
	q.size--
	return true
}

// Contains reports whether the task is currently queued.
func (q *Queue) Contains(taskID uint64) bool {
	_, ok := q.index[taskID]
	return ok
}

// EarliestEligible returns the key of the queued task with the smallest
// deadline among tasks whose start time is at or before now. The subtree
// minima prune every branch that cannot beat the best candidate found so far.
func (q *Queue) EarliestEligible(now int64) (Key, bool) {
	var bestKey Key
	found := false

	var walk func(h int32)
	walk = func(h int32) {
		if h == none {
			return
		}
		n := &q.nodes[h]
		if found && !n.min.Less(bestKey) {
			return
		}
		walk(n.left)
		if n.start <= now && (!found || n.key.Less(bestKey)) {
			bestKey = n.key
			found = true
		}
		walk(n.right)
	}
	walk(q.root)

	return bestKey, found
}

// MinFinish returns the smallest deadline in the queue regardless of
// eligibility.
func (q *Queue) MinFinish() (int64, bool) {
	if q.root == none {
		return 0, false
	}
	return q.nodes[q.root].min.Finish, true
}

func (q *Queue) alloc() int32 {
	if q.free != none {
		h := q.free
		q.free = q.nodes[h].right
		return h
	}
	q.nodes = append(q.nodes, node{})
	return int32(len(q.nodes) - 1)
}

func (q *Queue) release(h int32) {
	q.nodes[h] = node{right: q.free, left: none, parent: none}
	q.free = h
}

// recomputeMin rebuilds a node's subtree minimum from its own key and its
// current children.
func (q *Queue) recomputeMin(h int32) {
	n := &q.nodes[h]
	m := n.key
	if n.left != none && q.nodes[n.left].min.Less(m) {
		m = q.nodes[n.left].min
	}
	if n.right != none && q.nodes[n.right].min.Less(m) {
		m = q.nodes[n.right].min
	}
	n.min = m
}

// rotateLeft pivots h's right child into h's place. The subtree rooted where
// h used to be keeps the same contents, so the pivot inherits h's minimum and
// h recomputes from its new children.
func (q *Queue) rotateLeft(h int32) {
	p := q.nodes[h].right
	q.nodes[h].right = q.nodes[p].left
	if q.nodes[p].left != none {
		q.nodes[q.nodes[p].left].parent = h
	}
	q.nodes[p].parent = q.nodes[h].parent
	q.replaceChild(q.nodes[h].parent, h, p)
	q.nodes[p].left = h
	q.nodes[h].parent = p

	q.nodes[p].min = q.nodes[h].min
	q.recomputeMin(h)
}

func (q *Queue) rotateRight(h int32) {
	p := q.nodes[h].left
	q.nodes[h].left = q.nodes[p].right
	if q.nodes[p].right != none {
		q.nodes[q.nodes[p].right].parent = h
	}
	q.nodes[p].parent = q.nodes[h].parent
	q.replaceChild(q.nodes[h].parent, h, p)
	q.nodes[p].right = h
	q.nodes[h].parent = p

	q.nodes[p].min = q.nodes[h].min
	q.recomputeMin(h)
}

func (q *Queue) replaceChild(parent, old, new int32) {
	if parent == none {
		q.root = new
		return
	}
	if q.nodes[parent].left == old {
		q.nodes[parent].left = new
	} else {
		q.nodes[parent].right = new
	}
}

func (q *Queue) insertFixup(h int32) {
	for {
		p := q.nodes[h].parent
		if p == none {
			q.nodes[h].color = black
			return
		}
		if q.nodes[p].color == black {
			return
		}
		g := q.nodes[p].parent
		var uncle int32
		if q.nodes[g].left == p {
			uncle = q.nodes[g].right
		} else {
			uncle = q.nodes[g].left
		}
		if uncle != none && q.nodes[uncle].color == red {
			q.nodes[p].color = black
			q.nodes[uncle].color = black
			q.nodes[g].color = red
			h = g
			continue
		}
		if q.nodes[g].left == p {
			if q.nodes[p].right == h {
				q.rotateLeft(p)
				h, p = p, h
			}
			q.nodes[p].color = black
			q.nodes[g].color = red
			q.rotateRight(g)
		} else {
			if q.nodes[p].left == h {
				q.rotateRight(p)
				h, p = p, h
			}
			q.nodes[p].color = black
			q.nodes[g].color = red
			q.rotateLeft(g)
		}
		return
	}
}

// transplant replaces the subtree rooted at u with the subtree rooted at v.
func (q *Queue) transplant(u, v int32) {
	q.replaceChild(q.nodes[u].parent, u, v)
	if v != none {
		q.nodes[v].parent = q.nodes[u].parent
	}
}

func (q *Queue) minimum(h int32) int32 {
	for q.nodes[h].left != none {
		h = q.nodes[h].left
	}
	return h
}

func (q *Queue) erase(z int32) {
	y := z
	yColor := q.nodes[y].color
	var x, xParent int32

	switch {
	case q.nodes[z].left == none:
		x = q.nodes[z].right
		xParent = q.nodes[z].parent
		q.transplant(z, x)
	case q.nodes[z].right == none:
		x = q.nodes[z].left
		xParent = q.nodes[z].parent
		q.transplant(z, x)
	default:
		y = q.minimum(q.nodes[z].right)
		yColor = q.nodes[y].color
		x = q.nodes[y].right
		if q.nodes[y].parent == z {
			xParent = y
		} else {
			xParent = q.nodes[y].parent
			q.transplant(y, x)
			q.nodes[y].right = q.nodes[z].right
			q.nodes[q.nodes[y].right].parent = y
		}
		q.transplant(z, y)
		q.nodes[y].left = q.nodes[z].left
		q.nodes[q.nodes[y].left].parent = y
		q.nodes[y].color = q.nodes[z].color
	}

	// The spliced-out position invalidated the minima on the path above it.
	// Rebuild from the deepest affected node up to the root; the fixup
	// rotations below preserve minima on their own.
	for a := xParent; a != none; a = q.nodes[a].parent {
		q.recomputeMin(a)
	}

	if yColor == black {
		q.eraseFixup(x, xParent)
	}
	q.release(z)
}

func (q *Queue) eraseFixup(x, parent int32) {
	for x != q.root && (x == none || q.nodes[x].color == black) {
		if q.nodes[parent].left == x {
			w := q.nodes[parent].right
			if q.nodes[w].color == red {
				q.nodes[w].color = black
				q.nodes[parent].color = red
				q.rotateLeft(parent)
				w = q.nodes[parent].right
			}
			wl, wr := q.nodes[w].left, q.nodes[w].right
			if (wl == none || q.nodes[wl].color == black) &&
				(wr == none || q.nodes[wr].color == black) {
				q.nodes[w].color = red
				x = parent
				parent = q.nodes[x].parent
			} else {
				if wr == none || q.nodes[wr].color == black {
					if wl != none {
						q.nodes[wl].color = black
					}
					q.nodes[w].color = red
					q.rotateRight(w)
					w = q.nodes[parent].right
				}
				q.nodes[w].color = q.nodes[parent].color
				q.nodes[parent].color = black
				if q.nodes[w].right != none {
					q.nodes[q.nodes[w].right].color = black
				}
				q.rotateLeft(parent)
				x = q.root
				break
			}
		} else {
			w := q.nodes[parent].left
			if q.nodes[w].color == red {
				q.nodes[w].color = black
				q.nodes[parent].color = red
				q.rotateRight(parent)
				w = q.nodes[parent].left
			}
			wl, wr := q.nodes[w].left, q.nodes[w].right
			if (wl == none || q.nodes[wl].color == black) &&
				(wr == none || q.nodes[wr].color == black) {
				q.nodes[w].color = red
				x = parent
				parent = q.nodes[x].parent
			} else {
				if wl == none || q.nodes[wl].color == black {
					if wr != none {
						q.nodes[wr].color = black
					}
					q.nodes[w].color = red
					q.rotateLeft(w)
					w = q.nodes[parent].left
				}
				q.nodes[w].color = q.nodes[parent].color
				q.nodes[parent].color = black
				if q.nodes[w].left != none {
					q.nodes[q.nodes[w].left].color = black
				}
				q.rotateRight(parent)
				x = q.root
				break
			}
		}
	}
	if x != none {
		q.nodes[x].color = black
	}
}
