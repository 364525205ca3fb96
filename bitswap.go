package bitswap

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	logging "github.com/ipfs/go-log/v2"
	process "github.com/jbenet/goprocess"
	"github.com/libp2p/go-libp2p-core/peer"

	bsblockstore "github.com/mwatts/iroh-bitswap/blockstore"
	"github.com/mwatts/iroh-bitswap/decision"
	"github.com/mwatts/iroh-bitswap/message"
	"github.com/mwatts/iroh-bitswap/network"
)

var log = logging.Logger("bitswap")

// Bitswap is the server-side half of the block-exchange protocol: a
// decision.Engine driven by a network.BitSwapNetwork. It has no
// client side (no outbound wanting) by design; the engine only
// answers what other peers want.
type Bitswap struct {
	self    peer.ID
	network network.BitSwapNetwork
	engine  *decision.Engine

	engineOpts []decision.Option

	proc process.Process
}

// New starts a Bitswap instance for self, serving bstore over net. It
// registers itself as net's Receiver and runs until ctx is cancelled
// or Close is called.
func New(ctx context.Context, self peer.ID, net network.BitSwapNetwork, bstore bsblockstore.Blockstore, opts ...Option) *Bitswap {
	bs := &Bitswap{self: self, network: net}
	for _, o := range opts {
		o(bs)
	}

	ctx, cancel := context.WithCancel(ctx)
	bs.engine = decision.NewEngine(ctx, bstore, self, bs.engineOpts...)

	bs.proc = process.WithTeardown(func() error {
		cancel()
		return bs.engine.Close()
	})
	go func() {
		<-ctx.Done()
		bs.proc.Close()
	}()

	net.SetDelegate(bs)
	bs.proc.Go(bs.dispatchWorker)

	return bs
}

// dispatchWorker drains the engine's outbox and ships each envelope
// out over the network, releasing the queue's outstanding-bytes
// accounting once the send completes (or fails).
func (bs *Bitswap) dispatchWorker(proc process.Process) {
	ctx := context.Background()
	for {
		select {
		case env, ok := <-bs.engine.Outbox():
			if !ok {
				return
			}
			bs.sendEnvelope(ctx, env)
		case <-proc.Closing():
			return
		}
	}
}

func (bs *Bitswap) sendEnvelope(ctx context.Context, env *decision.Envelope) {
	if err := bs.network.SendMessage(ctx, env.Peer, env.Message); err != nil {
		log.Debugf("send to %s failed: %s", env.Peer, err)
	} else {
		bs.engine.MessageSent(env.Peer, env.Message)
	}
	bs.engine.TasksDone(env.Peer, env.SentTasks)
}

// ReceiveMessage implements network.Receiver.
func (bs *Bitswap) ReceiveMessage(ctx context.Context, from peer.ID, m message.Message) {
	bs.engine.MessageReceived(ctx, from, m)
}

// ReceiveError implements network.Receiver.
func (bs *Bitswap) ReceiveError(err error) {
	log.Debugf("network error: %s", err)
}

// PeerConnected implements network.Receiver.
func (bs *Bitswap) PeerConnected(p peer.ID) {
	bs.engine.PeerConnected(p)
}

// PeerDisconnected implements network.Receiver.
func (bs *Bitswap) PeerDisconnected(p peer.ID) {
	bs.engine.PeerDisconnected(p)
}

// WantlistForPeer returns a snapshot of p's current wantlist.
func (bs *Bitswap) WantlistForPeer(p peer.ID) []decision.WantEntry {
	return bs.engine.WantlistForPeer(p)
}

// NotifyNewBlocks informs the engine that blks just became available
// locally, so peers waiting on them can be served.
func (bs *Bitswap) NotifyNewBlocks(blks ...blocks.Block) {
	bs.engine.NotifyNewBlocks(blks)
}

// ReceivedBlocks records data received from p in the score ledger.
// Storing the blocks themselves is the caller's responsibility.
func (bs *Bitswap) ReceivedBlocks(p peer.ID, blks []blocks.Block) {
	bs.engine.ReceivedBlocks(p, blks)
}

// Close shuts the instance down. Idempotent.
func (bs *Bitswap) Close() error {
	return bs.proc.Close()
}

// Stat reports the underlying engine's current counters.
func (bs *Bitswap) Stat() decision.Stat {
	return bs.engine.Stat()
}
