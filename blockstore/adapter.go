package blockstore

import (
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	ipfsbs "github.com/ipfs/go-ipfs-blockstore"
)

// FromIPFSBlockstore adapts a github.com/ipfs/go-ipfs-blockstore
// Blockstore (the real storage engine in a full deployment) to the
// narrower Blockstore capability this package's consumers need. Its
// GetSize/Get return ipfsbs.ErrNotFound on a miss (and Has reports
// false), which satisfies this package's ErrNotFound contract since
// the gateway only checks for "no error" rather than a specific
// sentinel.
func FromIPFSBlockstore(bs ipfsbs.Blockstore) Blockstore {
	return ipfsAdapter{bs}
}

type ipfsAdapter struct {
	bs ipfsbs.Blockstore
}

func (a ipfsAdapter) Has(c cid.Cid) (bool, error) {
	return a.bs.Has(c)
}

func (a ipfsAdapter) GetSize(c cid.Cid) (int, error) {
	return a.bs.GetSize(c)
}

func (a ipfsAdapter) Get(c cid.Cid) (blocks.Block, error) {
	return a.bs.Get(c)
}

func (a ipfsAdapter) Put(b blocks.Block) error {
	return a.bs.Put(b)
}

var _ Blockstore = ipfsAdapter{}
