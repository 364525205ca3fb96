package decision

import (
	"context"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwatts/iroh-bitswap/blockstore"
	"github.com/mwatts/iroh-bitswap/message"
)

func newTestEngine(t *testing.T, bs blockstore.Blockstore) (*Engine, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e := NewEngine(ctx, bs, peer.ID("self"), WithTaskWorkerCount(2))
	return e, cancel
}

func recvEnvelope(t *testing.T, e *Engine) *Envelope {
	t.Helper()
	select {
	case env := <-e.Outbox():
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope sent within timeout")
		return nil
	}
}

func TestMessageReceivedSendsBlockWhenPresent(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	bs := blockstore.NewMapBlockstore()
	b := blocks.NewBlock([]byte("payload"))
	require.NoError(bs.Put(b))

	e, cancel := newTestEngine(t, bs)
	defer cancel()
	defer e.Close()

	p := peer.ID("requester")
	e.PeerConnected(p)

	m := message.New(true)
	m.AddEntry(b.Cid(), 1, message.WantBlock, true)
	e.MessageReceived(context.Background(), p, m)

	env := recvEnvelope(t, e)
	assert.Equal(p, env.Peer)
	require.Len(env.Message.Blocks(), 1)
	assert.Equal(b.Cid(), env.Message.Blocks()[0].Cid())
}

func TestMessageReceivedSendsDontHaveWhenAbsent(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	bs := blockstore.NewMapBlockstore()
	missing := blocks.NewBlock([]byte("never stored"))

	e, cancel := newTestEngine(t, bs)
	defer cancel()
	defer e.Close()

	p := peer.ID("requester")
	e.PeerConnected(p)

	m := message.New(true)
	m.AddEntry(missing.Cid(), 1, message.WantBlock, true)
	e.MessageReceived(context.Background(), p, m)

	env := recvEnvelope(t, e)
	require.Len(env.Message.BlockPresences(), 1)
	assert.Equal(message.DontHave, env.Message.BlockPresences()[0].Type)
}

func TestMessageReceivedProbeSendsHavePresence(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	bs := blockstore.NewMapBlockstore()
	// Larger than the default max replace size, so the probe is not
	// upgraded to a block send.
	b := blocks.NewBlock(make([]byte, defaultMaxReplaceSize+1))
	require.NoError(bs.Put(b))

	e, cancel := newTestEngine(t, bs)
	defer cancel()
	defer e.Close()

	p := peer.ID("requester")
	e.PeerConnected(p)

	m := message.New(true)
	m.AddEntry(b.Cid(), 1, message.WantHave, true)
	e.MessageReceived(context.Background(), p, m)

	env := recvEnvelope(t, e)
	require.Len(env.Message.BlockPresences(), 1)
	assert.Equal(message.Have, env.Message.BlockPresences()[0].Type)
	assert.Empty(env.Message.Blocks())
}

func TestNotifyNewBlocksServesWaitingPeer(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	bs := blockstore.NewMapBlockstore()
	e, cancel := newTestEngine(t, bs)
	defer cancel()
	defer e.Close()

	p := peer.ID("waiter")
	e.PeerConnected(p)

	b := blocks.NewBlock([]byte("arrives later"))
	m := message.New(true)
	m.AddEntry(b.Cid(), 1, message.WantBlock, true)
	e.MessageReceived(context.Background(), p, m)

	// Not stored yet: expect a DontHave first.
	env := recvEnvelope(t, e)
	require.Len(env.Message.BlockPresences(), 1)

	require.NoError(bs.Put(b))
	e.NotifyNewBlocks([]blocks.Block{b})

	env2 := recvEnvelope(t, e)
	require.Len(env2.Message.Blocks(), 1)
	assert.Equal(b.Cid(), env2.Message.Blocks()[0].Cid())
}

func TestCancelRemovesQueuedTask(t *testing.T) {
	assert := assert.New(t)

	bs := blockstore.NewMapBlockstore()
	// No task workers: keeps the queued task from being popped before
	// the cancel arrives, so NumPending is deterministic.
	ctx, cancelCtx := context.WithCancel(context.Background())
	e := NewEngine(ctx, bs, peer.ID("self"), WithTaskWorkerCount(0))
	defer cancelCtx()
	defer e.Close()

	p := peer.ID("canceller")
	e.PeerConnected(p)

	b := blocks.NewBlock([]byte("cancel me"))
	m := message.New(true)
	m.AddEntry(b.Cid(), 1, message.WantBlock, true)
	e.MessageReceived(context.Background(), p, m)
	assert.Equal(1, e.Stat().NumPending)

	cancelMsg := message.New(false)
	cancelMsg.Cancel(b.Cid())
	e.MessageReceived(context.Background(), p, cancelMsg)

	assert.Equal(0, e.Stat().NumPending)
	assert.Empty(e.WantlistForPeer(p))
}

func TestPeerBlockRequestFilterDenialRespectsPerEntrySendDontHave(t *testing.T) {
	assert := assert.New(t)

	bs := blockstore.NewMapBlockstore()
	denyAll := func(p peer.ID, c cid.Cid) bool { return false }

	ctx, cancelCtx := context.WithCancel(context.Background())
	// No task workers: NumPending is a deterministic signal of whether
	// the denial enqueued a DontHave task.
	e := NewEngine(ctx, bs, peer.ID("self"), WithTaskWorkerCount(0), WithPeerBlockRequestFilter(denyAll))
	defer cancelCtx()
	defer e.Close()

	p := peer.ID("filtered")
	e.PeerConnected(p)

	silent := blocks.NewBlock([]byte("denied, no dont-have wanted"))
	m := message.New(false)
	m.AddEntry(silent.Cid(), 1, message.WantBlock, false)
	e.MessageReceived(context.Background(), p, m)
	assert.Equal(0, e.Stat().NumPending, "denial with send_dont_have=false must not enqueue a task")

	loud := blocks.NewBlock([]byte("denied, dont-have wanted"))
	m2 := message.New(false)
	m2.AddEntry(loud.Cid(), 1, message.WantBlock, true)
	e.MessageReceived(context.Background(), p, m2)
	assert.Equal(1, e.Stat().NumPending, "denial with send_dont_have=true must enqueue a DontHave task")
}

func TestEnvelopePendingBytesReflectsPeerRemainingWork(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	bs := blockstore.NewMapBlockstore()
	a := blocks.NewBlock([]byte("a"))
	b := blocks.NewBlock([]byte("second block, bigger payload"))
	require.NoError(bs.Put(a))
	require.NoError(bs.Put(b))

	// A single worker popping one task at a time, with a small target
	// message size, so the first pop leaves the second task's Work
	// queued as "remaining".
	ctx, cancel := context.WithCancel(context.Background())
	e := NewEngine(ctx, bs, peer.ID("self"), WithTaskWorkerCount(1), WithTargetMessageSize(1))
	defer cancel()
	defer e.Close()

	p := peer.ID("requester")
	e.PeerConnected(p)

	m := message.New(true)
	m.AddEntry(a.Cid(), 1, message.WantBlock, true)
	m.AddEntry(b.Cid(), 1, message.WantBlock, true)
	e.MessageReceived(context.Background(), p, m)

	env := recvEnvelope(t, e)
	assert.Equal(int64(len(b.RawData())), env.Message.PendingBytes(),
		"PendingBytes must reflect this peer's own remaining queued work, not a global task count")
}

func TestPeerDisconnectedPurgesLedger(t *testing.T) {
	assert := assert.New(t)

	bs := blockstore.NewMapBlockstore()
	e, cancel := newTestEngine(t, bs)
	defer cancel()
	defer e.Close()

	p := peer.ID("leaving")
	e.PeerConnected(p)
	b := blocks.NewBlock([]byte("x"))
	m := message.New(true)
	m.AddEntry(b.Cid(), 1, message.WantHave, true)
	e.MessageReceived(context.Background(), p, m)

	e.PeerDisconnected(p)
	assert.Empty(e.WantlistForPeer(p))
}
