package decision

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/mwatts/iroh-bitswap/blockstore"
)

// ErrStoreUnavailable signals a blockstore that cannot currently
// answer. The gateway treats an id that fails for this reason as
// absent for the current work cycle rather than retrying it.
var ErrStoreUnavailable = errors.New("blockstore: store unavailable")

// blockStoreManager is the BlockStoreGateway (component A): a
// bounded-concurrency facade over the local Blockstore, used by the
// engine's task workers to batch has/get_sizes/get_blocks calls.
type blockStoreManager struct {
	bs  blockstore.Blockstore
	sem *semaphore.Weighted
}

func newBlockStoreManager(bs blockstore.Blockstore, maxConcurrency int) *blockStoreManager {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &blockStoreManager{
		bs:  bs,
		sem: semaphore.NewWeighted(int64(maxConcurrency)),
	}
}

// has reports whether the local store holds c. A store error is
// treated as "not present" rather than propagated.
func (bsm *blockStoreManager) has(ctx context.Context, c cid.Cid) bool {
	if err := bsm.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer bsm.sem.Release(1)

	ok, err := bsm.bs.Has(c)
	if err != nil {
		return false
	}
	return ok
}

// getBlockSizes batches get_sizes across cs. Ids the store doesn't
// have, or fails to answer for, are simply absent from the result.
func (bsm *blockStoreManager) getBlockSizes(ctx context.Context, cs []cid.Cid) map[cid.Cid]int {
	var (
		lk  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[cid.Cid]int, len(cs))
	)

	for _, c := range cs {
		c := c
		if err := bsm.sem.Acquire(ctx, 1); err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer bsm.sem.Release(1)

			size, err := bsm.bs.GetSize(c)
			if err != nil {
				return
			}
			lk.Lock()
			out[c] = size
			lk.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// getBlocks batches get_blocks across cs. Ids the store doesn't have
// (an eviction race, a disappeared block) are simply absent from the
// result; callers turn that into a DontHave response.
func (bsm *blockStoreManager) getBlocks(ctx context.Context, cs []cid.Cid) map[cid.Cid]blocks.Block {
	var (
		lk  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[cid.Cid]blocks.Block, len(cs))
	)

	for _, c := range cs {
		c := c
		if err := bsm.sem.Acquire(ctx, 1); err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer bsm.sem.Release(1)

			b, err := bsm.bs.Get(c)
			if err != nil {
				return
			}
			lk.Lock()
			out[c] = b
			lk.Unlock()
		}()
	}
	wg.Wait()
	return out
}
