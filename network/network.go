// Package network defines the transport boundary the decision engine
// sits behind: sending envelopes to peers and delivering inbound
// messages back to a Receiver. Real wire framing and peer discovery
// are an external collaborator's concern; this package only pins down
// the contract plus an in-memory double for tests.
package network

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/mwatts/iroh-bitswap/message"
)

// ErrNoSuchPeer is returned by SendMessage when the target peer isn't
// reachable on this network.
var ErrNoSuchPeer = errors.New("network: no such peer")

// Receiver is implemented by whatever drives an Engine (typically a
// thin wrapper in the root package): it turns inbound wire traffic
// into engine calls.
type Receiver interface {
	ReceiveMessage(ctx context.Context, from peer.ID, m message.Message)
	ReceiveError(err error)
	PeerConnected(p peer.ID)
	PeerDisconnected(p peer.ID)
}

// BitSwapNetwork is the send-side capability a Receiver needs: direct
// one-way delivery to a peer, plus a way to register itself for
// inbound traffic.
type BitSwapNetwork interface {
	SendMessage(ctx context.Context, to peer.ID, m message.Message) error
	SetDelegate(Receiver)
	Self() peer.ID
}

// VirtualNetwork is an in-process Network of BitSwapNetwork adapters,
// useful for tests that exercise more than one engine without real
// transport.
type VirtualNetwork interface {
	Adapter(self peer.ID) BitSwapNetwork
	HasPeer(p peer.ID) bool
}
