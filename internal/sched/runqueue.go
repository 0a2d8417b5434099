package sched

import (
	"github.com/emirpasic/gods/trees/redblacktree"
)

// runKey orders the ready tree: virtual time first, then the insertion
// sequence so equal vtimes are served in arrival order.
type runKey struct {
	vtime uint64
	seq   uint64
}

func compareRunKey(a, b any) int {
	ka, kb := a.(runKey), b.(runKey)
	switch {
	case ka.vtime < kb.vtime:
		return -1
	case ka.vtime > kb.vtime:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// runQueue is the ready set of one core. Tree values are arena indices;
// the leftmost entry is cached so picking the next task is O(1).
type runQueue struct {
	tree  *redblacktree.Tree
	arena *Arena

	leftKey  runKey
	leftTask *Task
}

func newRunQueue(arena *Arena) *runQueue {
	return &runQueue{
		tree:  redblacktree.NewWith(compareRunKey),
		arena: arena,
	}
}

func (q *runQueue) insert(t *Task) {
	if t.queued {
		panic("sched: task " + t.Name + " is already queued")
	}
	k := runKey{vtime: t.vtime, seq: t.seq}
	q.tree.Put(k, t.handle.index)
	t.key = k
	t.queued = true

	if q.leftTask == nil || compareRunKey(k, q.leftKey) < 0 {
		q.leftKey, q.leftTask = k, t
	}
}

func (q *runQueue) remove(t *Task) {
	if !t.queued {
		panic("sched: task " + t.Name + " is not queued")
	}
	q.tree.Remove(t.key)
	t.queued = false

	if q.leftTask == t {
		q.refreshLeft()
	}
}

func (q *runQueue) refreshLeft() {
	n := q.tree.Left()
	if n == nil {
		q.leftKey, q.leftTask = runKey{}, nil
		return
	}
	q.leftKey = n.Key.(runKey)
	q.leftTask = q.arena.task(n.Value.(uint32))
}

// min is the task with the smallest vtime, or nil.
func (q *runQueue) min() *Task { return q.leftTask }

func (q *runQueue) popMin() *Task {
	t := q.leftTask
	if t != nil {
		q.remove(t)
	}
	return t
}

func (q *runQueue) len() int { return q.tree.Size() }

// each visits the ready tasks in dispatch order until fn returns false.
func (q *runQueue) each(fn func(*Task) bool) {
	it := q.tree.Iterator()
	for it.Next() {
		if !fn(q.arena.task(it.Value().(uint32))) {
			return
		}
	}
}
