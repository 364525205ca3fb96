// Package blockstore defines the capability set the decision engine
// requires from a local block store. The storage engine behind this
// interface is an external collaborator; this package only pins down
// the contract and offers a map-backed double for tests.
package blockstore

import (
	"errors"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
)

// ErrNotFound is returned by Get when the store holds no block for the
// requested id.
var ErrNotFound = errors.New("blockstore: block not found")

// Blockstore is the capability surface consumed by the decision
// engine's BlockStoreGateway. It matches the shape of
// github.com/ipfs/go-ipfs-blockstore's Blockstore interface so a real
// deployment can satisfy it with that package directly.
type Blockstore interface {
	Has(c cid.Cid) (bool, error)
	GetSize(c cid.Cid) (int, error)
	Get(c cid.Cid) (blocks.Block, error)
	Put(b blocks.Block) error
}

// NewMapBlockstore returns an in-memory Blockstore, useful for tests
// and for small embedded deployments that don't need a real storage
// engine.
func NewMapBlockstore() *MapBlockstore {
	return &MapBlockstore{blocks: make(map[string]blocks.Block)}
}

// MapBlockstore is a trivial mutex-guarded map implementation of
// Blockstore.
type MapBlockstore struct {
	lk     sync.RWMutex
	blocks map[string]blocks.Block
}

func (m *MapBlockstore) Has(c cid.Cid) (bool, error) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	_, ok := m.blocks[c.KeyString()]
	return ok, nil
}

func (m *MapBlockstore) GetSize(c cid.Cid) (int, error) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	b, ok := m.blocks[c.KeyString()]
	if !ok {
		return -1, ErrNotFound
	}
	return len(b.RawData()), nil
}

func (m *MapBlockstore) Get(c cid.Cid) (blocks.Block, error) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	b, ok := m.blocks[c.KeyString()]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *MapBlockstore) Put(b blocks.Block) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.blocks[b.Cid().KeyString()] = b
	return nil
}

// DeleteForTesting removes a block, used by tests that simulate an
// eviction race between get_sizes and get_blocks.
func (m *MapBlockstore) DeleteForTesting(c cid.Cid) {
	m.lk.Lock()
	defer m.lk.Unlock()
	delete(m.blocks, c.KeyString())
}
