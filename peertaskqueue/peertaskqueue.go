// Package peertaskqueue implements a priority task queue: a mapping
// peer -> queue of tasks, fair peer selection weighted by an external
// score source, freeze/thaw for peers starved by cancellation, and
// size-budgeted popping.
package peertaskqueue

import (
	"container/heap"
	"sync"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/mwatts/iroh-bitswap/peertask"
	"github.com/mwatts/iroh-bitswap/peertracker"
)

// PeerScorer supplies the weight PeerTaskQueue uses to favor one
// eligible peer over another. When nil, all peers are weighted
// equally and selection is a strict round-robin.
type PeerScorer interface {
	Score(p peer.ID) int
}

// Stats reports queue-wide counters, used for PeerTaskQueue.Stats().
type Stats struct {
	NumPeers   int
	NumActive  int
	NumPending int
}

// PeerTaskQueue is the central data structure of component E. It is
// safe for concurrent use from any number of goroutines.
type PeerTaskQueue struct {
	lk sync.Mutex
	// cond is signaled whenever a push, a tasks-done, or a thaw might
	// have made a peer newly eligible, waking blocked PopTasks calls.
	cond *sync.Cond

	trackers map[peer.ID]*peertracker.PeerTracker
	ready    trackerHeap

	maxOutstandingBytesPerPeer int
	comparator                 peertask.Comparator
	merger                     peertask.Merger
	scorer                     PeerScorer

	// rrCounter gives every tracker a stable tie-break when scores are
	// equal, producing round-robin behavior rather than starving
	// trackers that sort equal under Score.
	rrCounter uint64
	closed    bool
}

// Option configures a PeerTaskQueue at construction.
type Option func(*PeerTaskQueue)

// WithComparator overrides the default per-peer task ordering.
func WithComparator(cmp peertask.Comparator) Option {
	return func(q *PeerTaskQueue) { q.comparator = cmp }
}

// WithMaxOutstandingBytesPerPeer sets the limit on a peer's outstanding
// (popped but not yet done) work bytes; a peer at or over it is not
// selected (0 disables it).
func WithMaxOutstandingBytesPerPeer(n int) Option {
	return func(q *PeerTaskQueue) { q.maxOutstandingBytesPerPeer = n }
}

// WithScorer supplies the PeerScorer used to weight fair selection.
func WithScorer(s PeerScorer) Option {
	return func(q *PeerTaskQueue) { q.scorer = s }
}

// New returns an empty PeerTaskQueue merging tasks with merger.
func New(merger peertask.Merger, opts ...Option) *PeerTaskQueue {
	q := &PeerTaskQueue{
		trackers: make(map[peer.ID]*peertracker.PeerTracker),
		merger:   merger,
	}
	q.cond = sync.NewCond(&q.lk)
	for _, o := range opts {
		o(q)
	}
	heap.Init(&q.ready)
	return q
}

// PushTasks merges tasks into p's queue, creating the queue if this is
// the first time p has been seen.
func (q *PeerTaskQueue) PushTasks(p peer.ID, tasks ...peertask.Task) {
	if len(tasks) == 0 {
		return
	}
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closed {
		return
	}

	tracker, ok := q.trackers[p]
	if !ok {
		tracker = peertracker.New(q.comparator)
		q.trackers[p] = tracker
		heap.Push(&q.ready, &trackerEntry{peer: p, tracker: tracker})
	}
	tracker.PushTasks(tasks, q.merger)
	q.cond.Broadcast()
}

// Remove deletes the queued task for (p, topic), if present.
func (q *PeerTaskQueue) Remove(topic peertask.Topic, p peer.ID) bool {
	q.lk.Lock()
	defer q.lk.Unlock()

	tracker, ok := q.trackers[p]
	if !ok {
		return false
	}
	return tracker.Remove(topic)
}

// PopTasks selects an eligible peer and pops tasks from it up to
// sizeBudget, blocking until some peer becomes eligible or the queue
// is closed. It returns a nil peer and tasks if the queue was closed
// while waiting.
func (q *PeerTaskQueue) PopTasks(sizeBudget int) (peer.ID, []peertask.Task, int) {
	q.lk.Lock()
	defer q.lk.Unlock()

	for {
		if q.closed {
			return "", nil, 0
		}
		if p, tasks, remaining, ok := q.popOnceLocked(sizeBudget); ok {
			return p, tasks, remaining
		}
		q.cond.Wait()
	}
}

// TryPopTasks is the non-blocking variant of PopTasks: it reports
// false instead of waiting when no peer is eligible.
func (q *PeerTaskQueue) TryPopTasks(sizeBudget int) (peer.ID, []peertask.Task, int, bool) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closed {
		return "", nil, 0, false
	}
	p, tasks, remaining, ok := q.popOnceLocked(sizeBudget)
	return p, tasks, remaining, ok
}

func (q *PeerTaskQueue) popOnceLocked(sizeBudget int) (peer.ID, []peertask.Task, int, bool) {
	eligible := q.eligibleEntriesLocked()
	if len(eligible) == 0 {
		return "", nil, 0, false
	}

	best := eligible[0]
	for _, e := range eligible[1:] {
		if q.weightLocked(e) > q.weightLocked(best) {
			best = e
		}
	}

	tasks, remaining := best.tracker.PopTasks(sizeBudget)
	if len(tasks) == 0 {
		return "", nil, 0, false
	}
	q.rrCounter++
	best.rrStamp = q.rrCounter
	heap.Fix(&q.ready, best.index)
	return best.peer, tasks, remaining, true
}

func (q *PeerTaskQueue) eligibleEntriesLocked() []*trackerEntry {
	var out []*trackerEntry
	for _, e := range q.ready {
		if e.tracker.IsFrozen() {
			continue
		}
		if e.tracker.PendingLen() == 0 {
			continue
		}
		if q.maxOutstandingBytesPerPeer > 0 && e.tracker.OutstandingWork() >= q.maxOutstandingBytesPerPeer {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (q *PeerTaskQueue) weightLocked(e *trackerEntry) int64 {
	score := int64(1)
	if q.scorer != nil {
		if s := q.scorer.Score(e.peer); s > 0 {
			score = int64(s)
		}
	}
	// Older rrStamp (less recently served) wins ties, giving strict
	// round-robin when every peer's score is equal.
	return score<<32 - int64(e.rrStamp)
}

// TasksDone releases p's outstanding-bytes accounting for tasks,
// called by the network layer once an envelope has been accepted (or
// dropped) by the transport.
func (q *PeerTaskQueue) TasksDone(p peer.ID, tasks ...peertask.Task) {
	if len(tasks) == 0 {
		return
	}
	q.lk.Lock()
	defer q.lk.Unlock()

	tracker, ok := q.trackers[p]
	if !ok {
		return
	}
	topics := make([]peertask.Topic, len(tasks))
	for i, t := range tasks {
		topics[i] = t.Topic
	}
	tracker.TasksDone(topics)
	q.cond.Broadcast()
}

// ThawRound un-freezes every currently-frozen peer in one pass. It is
// invoked from the engine's 100ms ticker.
func (q *PeerTaskQueue) ThawRound() {
	q.lk.Lock()
	defer q.lk.Unlock()
	for _, e := range q.ready {
		e.tracker.Thaw()
	}
	q.cond.Broadcast()
}

// RemovePeer drops p's queue entirely, discarding any pending tasks.
// Used on peer disconnect.
func (q *PeerTaskQueue) RemovePeer(p peer.ID) {
	q.lk.Lock()
	defer q.lk.Unlock()

	for i, e := range q.ready {
		if e.peer == p {
			heap.Remove(&q.ready, i)
			break
		}
	}
	delete(q.trackers, p)
	q.cond.Broadcast()
}

// Stats reports queue-wide counters.
func (q *PeerTaskQueue) Stats() Stats {
	q.lk.Lock()
	defer q.lk.Unlock()

	s := Stats{NumPeers: len(q.trackers)}
	for _, e := range q.ready {
		s.NumPending += e.tracker.PendingLen()
		if e.tracker.ActiveLen() > 0 {
			s.NumActive++
		}
	}
	return s
}

// Close marks the queue closed, waking every blocked PopTasks call.
func (q *PeerTaskQueue) Close() {
	q.lk.Lock()
	defer q.lk.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// --- internal tracker heap (only used to keep iteration stable; the
// weight computation in popOnceLocked, not heap order, drives
// selection, since weight depends on external, frequently-changing
// scores) ---

type trackerEntry struct {
	peer    peer.ID
	tracker *peertracker.PeerTracker
	rrStamp uint64
	index   int
}

type trackerHeap []*trackerEntry

func (h trackerHeap) Len() int            { return len(h) }
func (h trackerHeap) Less(i, j int) bool  { return h[i].rrStamp < h[j].rrStamp }
func (h trackerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *trackerHeap) Push(x interface{}) {
	e := x.(*trackerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *trackerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
