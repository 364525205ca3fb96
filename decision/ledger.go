package decision

import (
	"sync"

	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
)

// WantKind distinguishes a presence-only probe from a full block
// fetch.
type WantKind int

const (
	// WantProbe asks only whether the remote has a block.
	WantProbe WantKind = iota
	// WantFetch asks the remote to send block data.
	WantFetch
)

// WantEntry is one item of a peer's wantlist.
type WantEntry struct {
	Cid          cid.Cid
	Priority     int32
	Kind         WantKind
	SendDontHave bool
}

// Ledger is the wantlist for one connected peer (component D). No two
// entries share a Cid; sending a new entry for an id already present
// replaces it.
type Ledger struct {
	lk       sync.Mutex
	Partner  peer.ID
	wantlist map[cid.Cid]*WantEntry
}

func newLedger(p peer.ID) *Ledger {
	return &Ledger{
		Partner:  p,
		wantlist: make(map[cid.Cid]*WantEntry),
	}
}

// Wants inserts or replaces the entry for c.
func (l *Ledger) Wants(c cid.Cid, priority int32, kind WantKind, sendDontHave bool) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.wantlist[c] = &WantEntry{Cid: c, Priority: priority, Kind: kind, SendDontHave: sendDontHave}
}

// Cancel removes the entry for c, if any, returning it.
func (l *Ledger) Cancel(c cid.Cid) (WantEntry, bool) {
	l.lk.Lock()
	defer l.lk.Unlock()
	e, ok := l.wantlist[c]
	if !ok {
		return WantEntry{}, false
	}
	delete(l.wantlist, c)
	return *e, true
}

// RemoveKind clears the entry for c only if its stored kind matches
// kind; otherwise it is a no-op. This lets a satisfied Fetch also drop
// a shadow Probe without disturbing an unrelated, newer Probe.
func (l *Ledger) RemoveKind(c cid.Cid, kind WantKind) {
	l.lk.Lock()
	defer l.lk.Unlock()
	e, ok := l.wantlist[c]
	if !ok || e.Kind != kind {
		return
	}
	delete(l.wantlist, c)
}

// Get returns the entry for c, if present.
func (l *Ledger) Get(c cid.Cid) (WantEntry, bool) {
	l.lk.Lock()
	defer l.lk.Unlock()
	e, ok := l.wantlist[c]
	if !ok {
		return WantEntry{}, false
	}
	return *e, true
}

// Entries returns a snapshot of every entry currently in the wantlist.
func (l *Ledger) Entries() []WantEntry {
	l.lk.Lock()
	defer l.lk.Unlock()
	out := make([]WantEntry, 0, len(l.wantlist))
	for _, e := range l.wantlist {
		out = append(out, *e)
	}
	return out
}

// Clear empties the wantlist. The caller (Engine) is responsible for
// removing any matching tasks from the PeerTaskQueue.
func (l *Ledger) Clear() {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.wantlist = make(map[cid.Cid]*WantEntry)
}
