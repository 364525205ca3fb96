package decision

import (
	"sync"

	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
)

// PeerLedger is the global reverse index: for each block id, the set
// of peers currently wanting it. Every mutation keeps the index
// consistent with the per-peer ledgers it mirrors.
type PeerLedger struct {
	lk    sync.Mutex
	peers map[cid.Cid]map[peer.ID]struct{}
}

func newPeerLedger() *PeerLedger {
	return &PeerLedger{peers: make(map[cid.Cid]map[peer.ID]struct{})}
}

// Wants records that p wants c.
func (pl *PeerLedger) Wants(p peer.ID, c cid.Cid) {
	pl.lk.Lock()
	defer pl.lk.Unlock()
	set, ok := pl.peers[c]
	if !ok {
		set = make(map[peer.ID]struct{})
		pl.peers[c] = set
	}
	set[p] = struct{}{}
}

// Cancel removes p from c's waiter set, pruning the set entirely once
// it's empty so memory stays bounded.
func (pl *PeerLedger) Cancel(p peer.ID, c cid.Cid) {
	pl.lk.Lock()
	defer pl.lk.Unlock()
	set, ok := pl.peers[c]
	if !ok {
		return
	}
	delete(set, p)
	if len(set) == 0 {
		delete(pl.peers, c)
	}
}

// PeersFor returns a snapshot of the peers currently waiting on c.
func (pl *PeerLedger) PeersFor(c cid.Cid) []peer.ID {
	pl.lk.Lock()
	defer pl.lk.Unlock()
	set, ok := pl.peers[c]
	if !ok {
		return nil
	}
	out := make([]peer.ID, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// ForgetPeer removes p from every waiter set it belongs to.
func (pl *PeerLedger) ForgetPeer(p peer.ID) {
	pl.lk.Lock()
	defer pl.lk.Unlock()
	for c, set := range pl.peers {
		if _, ok := set[p]; ok {
			delete(set, p)
			if len(set) == 0 {
				delete(pl.peers, c)
			}
		}
	}
}
