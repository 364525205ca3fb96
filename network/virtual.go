package network

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/mwatts/iroh-bitswap/message"
)

// New returns an empty VirtualNetwork. Delivery is asynchronous
// (matching how a real transport behaves) but otherwise instant; it
// does not model packet loss, reordering, or latency.
func New() VirtualNetwork {
	return &virtualNetwork{clients: make(map[peer.ID]*client)}
}

type virtualNetwork struct {
	lk      sync.Mutex
	clients map[peer.ID]*client
}

func (n *virtualNetwork) Adapter(self peer.ID) BitSwapNetwork {
	n.lk.Lock()
	defer n.lk.Unlock()
	c := &client{local: self, net: n}
	n.clients[self] = c
	return c
}

func (n *virtualNetwork) HasPeer(p peer.ID) bool {
	n.lk.Lock()
	defer n.lk.Unlock()
	_, ok := n.clients[p]
	return ok
}

func (n *virtualNetwork) deliver(ctx context.Context, from, to peer.ID, m message.Message) error {
	n.lk.Lock()
	target, ok := n.clients[to]
	n.lk.Unlock()
	if !ok {
		return ErrNoSuchPeer
	}

	go func() {
		target.lk.Lock()
		r := target.receiver
		target.lk.Unlock()
		if r != nil {
			r.ReceiveMessage(ctx, from, m)
		}
	}()
	return nil
}

type client struct {
	local peer.ID
	net   *virtualNetwork

	lk       sync.Mutex
	receiver Receiver
}

func (c *client) SendMessage(ctx context.Context, to peer.ID, m message.Message) error {
	return c.net.deliver(ctx, c.local, to, m)
}

func (c *client) SetDelegate(r Receiver) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.receiver = r
}

func (c *client) Self() peer.ID { return c.local }

var _ BitSwapNetwork = (*client)(nil)
var _ VirtualNetwork = (*virtualNetwork)(nil)
