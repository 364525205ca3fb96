// Package peertracker holds the per-peer queue state used by
// peertaskqueue.PeerTaskQueue: a priority heap of pending tasks, the
// set of popped-but-not-done ("active") tasks and their outstanding
// work, and the Active/Frozen state machine that backs freeze/thaw.
package peertracker

import (
	"container/heap"
	"sync"

	"github.com/mwatts/iroh-bitswap/peertask"
)

// PeerTracker is the per-peer state of a PeerTaskQueue. It is safe for
// concurrent use.
type PeerTracker struct {
	lk sync.Mutex

	pending    taskHeap
	pendingSet map[peertask.Topic]*heapEntry
	active     map[peertask.Topic]*peertask.Task
	activeWork int

	frozen  bool
	nextSeq uint64

	comparator peertask.Comparator
}

// New returns a PeerTracker using cmp to order its pending tasks, or
// peertask.DefaultComparator if cmp is nil.
func New(cmp peertask.Comparator) *PeerTracker {
	if cmp == nil {
		cmp = peertask.DefaultComparator
	}
	pt := &PeerTracker{
		pendingSet: make(map[peertask.Topic]*heapEntry),
		active:     make(map[peertask.Topic]*peertask.Task),
		comparator: cmp,
	}
	heap.Init(&pt.pending)
	return pt
}

// PushTasks merges each task into the pending heap according to
// merger, creating a new entry when no task for that topic is
// currently pending or active.
func (pt *PeerTracker) PushTasks(tasks []peertask.Task, merger peertask.Merger) {
	pt.lk.Lock()
	defer pt.lk.Unlock()

	for _, t := range tasks {
		if entry, ok := pt.pendingSet[t.Topic]; ok {
			merger.Merge(t, &entry.task)
			heap.Fix(&pt.pending, entry.heapIndex)
			continue
		}
		if existing, ok := pt.active[t.Topic]; ok {
			// Already in flight. If the merger considers the active
			// task to already cover the new one, there's nothing to
			// fold in. Otherwise merge so the eventual re-push (if
			// any) upon TaskDone carries the richer state, but do not
			// requeue while it's active; reconcile activeWork for the
			// Work delta the merge may have introduced, since
			// TasksDone subtracts the post-merge Work.
			if merger.HasOldestMatch([]*peertask.Task{existing}, &t) {
				continue
			}
			oldWork := existing.Work
			merger.Merge(t, existing)
			pt.activeWork += existing.Work - oldWork
			continue
		}

		pt.nextSeq++
		entry := &heapEntry{task: t, cmp: pt.comparator, seq: pt.nextSeq}
		heap.Push(&pt.pending, entry)
		pt.pendingSet[t.Topic] = entry
	}
	pt.unfreezeIfNonEmptyLocked()
}

// PopTasks pops tasks in priority order until the accumulated Work
// would exceed targetWork; a single task whose Work alone exceeds the
// budget is still popped when nothing has been accumulated yet. It
// returns the popped tasks and the Work still pending in the queue
// after the pop (used for backpressure sizing).
func (pt *PeerTracker) PopTasks(targetWork int) ([]peertask.Task, int) {
	pt.lk.Lock()
	defer pt.lk.Unlock()

	var out []peertask.Task
	accumulated := 0
	for pt.pending.Len() > 0 {
		next := pt.pending[0].task
		if accumulated > 0 && accumulated+next.Work > targetWork {
			break
		}
		entry := heap.Pop(&pt.pending).(*heapEntry)
		delete(pt.pendingSet, entry.task.Topic)
		taskCopy := entry.task
		pt.active[taskCopy.Topic] = &taskCopy
		pt.activeWork += taskCopy.Work
		out = append(out, taskCopy)
		accumulated += taskCopy.Work
		if accumulated >= targetWork {
			break
		}
	}
	return out, pt.pendingWork()
}

func (pt *PeerTracker) pendingWork() int {
	total := 0
	for _, e := range pt.pending {
		total += e.task.Work
	}
	return total
}

// Remove deletes a queued (not yet popped) task for topic, if
// present. It returns true if a task was removed.
func (pt *PeerTracker) Remove(topic peertask.Topic) bool {
	pt.lk.Lock()
	defer pt.lk.Unlock()

	entry, ok := pt.pendingSet[topic]
	if !ok {
		return false
	}
	heap.Remove(&pt.pending, entry.heapIndex)
	delete(pt.pendingSet, topic)

	if pt.pending.Len() == 0 && len(pt.active) > 0 {
		// The peer's remaining queued work just dropped to zero out
		// from under it while work is still in flight: a starvation
		// signal. Freeze it; thaw_round will bring it back.
		pt.frozen = true
	}
	return true
}

// TasksDone releases the outstanding-bytes accounting for the given
// topics, called once the network layer confirms their envelope was
// transmitted (or dropped).
func (pt *PeerTracker) TasksDone(topics []peertask.Topic) {
	pt.lk.Lock()
	defer pt.lk.Unlock()

	for _, topic := range topics {
		t, ok := pt.active[topic]
		if !ok {
			continue
		}
		pt.activeWork -= t.Work
		delete(pt.active, topic)
	}
	if pt.activeWork < 0 {
		pt.activeWork = 0
	}
}

// OutstandingWork is the sum of Work for tasks popped but not yet
// marked done.
func (pt *PeerTracker) OutstandingWork() int {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	return pt.activeWork
}

// IsIdle reports whether the tracker has neither pending nor active
// tasks; such trackers are eligible for removal from the queue.
func (pt *PeerTracker) IsIdle() bool {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	return pt.pending.Len() == 0 && len(pt.active) == 0
}

// PendingLen is the number of queued-but-not-popped tasks.
func (pt *PeerTracker) PendingLen() int {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	return pt.pending.Len()
}

// ActiveLen is the number of popped-but-not-done tasks.
func (pt *PeerTracker) ActiveLen() int {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	return len(pt.active)
}

// IsFrozen reports whether the tracker is currently excluded from
// selection.
func (pt *PeerTracker) IsFrozen() bool {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	return pt.frozen
}

// Thaw clears the Frozen state unconditionally; PeerTaskQueue.ThawRound
// calls it for every tracker.
func (pt *PeerTracker) Thaw() {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	pt.frozen = false
}

func (pt *PeerTracker) unfreezeIfNonEmptyLocked() {
	if pt.pending.Len() > 0 {
		pt.frozen = false
	}
}

// --- internal task heap ---

type heapEntry struct {
	task      peertask.Task
	cmp       peertask.Comparator
	seq       uint64
	heapIndex int
}

type taskHeap []*heapEntry

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if less := h[i].cmp; less != nil {
		if h[i].task.Priority != h[j].task.Priority || h[i].task.Work != h[j].task.Work {
			return less(&h[i].task, &h[j].task)
		}
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *taskHeap) Push(x interface{}) {
	e := x.(*heapEntry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
