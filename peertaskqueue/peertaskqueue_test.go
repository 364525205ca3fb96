package peertaskqueue

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/assert"

	"github.com/mwatts/iroh-bitswap/peertask"
)

type replaceMerger struct{}

func (replaceMerger) Merge(newTask peertask.Task, existing *peertask.Task) {
	existing.Priority = newTask.Priority
	existing.Work = newTask.Work
}

func (replaceMerger) HasOldestMatch(oldTasks []*peertask.Task, newTask *peertask.Task) bool {
	return false
}

func mustPeer(t *testing.T, s string) peer.ID {
	t.Helper()
	return peer.ID(s)
}

func TestPushAndPopSinglePeer(t *testing.T) {
	assert := assert.New(t)

	q := New(replaceMerger{})
	p := mustPeer(t, "peer-a")
	q.PushTasks(p, peertask.Task{Topic: "x", Priority: 1, Work: 10})

	got, tasks, _, ok := q.TryPopTasks(100)
	assert.True(ok)
	assert.Equal(p, got)
	assert.Len(tasks, 1)
}

func TestFairRoundRobinAcrossPeers(t *testing.T) {
	assert := assert.New(t)

	q := New(replaceMerger{})
	a, b := mustPeer(t, "a"), mustPeer(t, "b")
	q.PushTasks(a, peertask.Task{Topic: "1", Priority: 1, Work: 10})
	q.PushTasks(b, peertask.Task{Topic: "1", Priority: 1, Work: 10})
	q.PushTasks(a, peertask.Task{Topic: "2", Priority: 1, Work: 10})
	q.PushTasks(b, peertask.Task{Topic: "2", Priority: 1, Work: 10})

	seen := map[peer.ID]int{}
	for i := 0; i < 4; i++ {
		p, tasks, _, ok := q.TryPopTasks(10)
		assert.True(ok)
		assert.Len(tasks, 1)
		seen[p]++
	}
	assert.Equal(2, seen[a])
	assert.Equal(2, seen[b])
}

func TestMaxOutstandingBytesExcludesPeer(t *testing.T) {
	assert := assert.New(t)

	q := New(replaceMerger{}, WithMaxOutstandingBytesPerPeer(10))
	a := mustPeer(t, "a")
	q.PushTasks(a, peertask.Task{Topic: "1", Priority: 1, Work: 10})
	q.PushTasks(a, peertask.Task{Topic: "2", Priority: 1, Work: 10})

	_, tasks, _, ok := q.TryPopTasks(10)
	assert.True(ok)
	assert.Len(tasks, 1)

	// Outstanding work (10) now meets the budget (10), so the peer is
	// ineligible until TasksDone releases it.
	_, _, _, ok = q.TryPopTasks(10)
	assert.False(ok)

	q.TasksDone(a, tasks...)
	_, tasks2, _, ok := q.TryPopTasks(10)
	assert.True(ok)
	assert.Len(tasks2, 1)
}

func TestPopTasksReturnsPoppedPeersOwnRemainingWork(t *testing.T) {
	assert := assert.New(t)

	q := New(replaceMerger{})
	a, b := mustPeer(t, "a"), mustPeer(t, "b")
	q.PushTasks(a, peertask.Task{Topic: "1", Priority: 1, Work: 10})
	q.PushTasks(a, peertask.Task{Topic: "2", Priority: 1, Work: 10})
	q.PushTasks(b, peertask.Task{Topic: "1", Priority: 1, Work: 999})

	// Whichever peer is selected first, the pop must report that
	// peer's own remaining work, not a count or a total spanning every
	// peer in the queue (which would also include the other peer's
	// unrelated work).
	got, tasks, remaining, ok := q.TryPopTasks(10)
	assert.True(ok)
	assert.Len(tasks, 1)
	switch got {
	case a:
		assert.Equal(10, remaining)
	case b:
		assert.Equal(0, remaining)
	default:
		t.Fatalf("unexpected peer %v", got)
	}
}

func TestPopTasksBlocksUntilPush(t *testing.T) {
	assert := assert.New(t)

	q := New(replaceMerger{})
	a := mustPeer(t, "a")

	done := make(chan struct{})
	var gotPeer peer.ID
	go func() {
		p, tasks, _ := q.PopTasks(10)
		gotPeer = p
		assert.Len(tasks, 1)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	q.PushTasks(a, peertask.Task{Topic: "x", Priority: 1, Work: 10})

	select {
	case <-done:
		assert.Equal(a, gotPeer)
	case <-time.After(time.Second):
		t.Fatal("PopTasks did not unblock after push")
	}
}

func TestCloseUnblocksPopTasks(t *testing.T) {
	assert := assert.New(t)

	q := New(replaceMerger{})
	done := make(chan struct{})
	go func() {
		p, tasks, _ := q.PopTasks(10)
		assert.Equal(peer.ID(""), p)
		assert.Nil(tasks)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PopTasks did not unblock after Close")
	}
}
