package bitswap

import (
	"github.com/mwatts/iroh-bitswap/decision"
	"github.com/mwatts/iroh-bitswap/peertask"
)

// Option configures a Bitswap instance at construction, generalizing
// the corresponding decision.Option it wraps.
type Option func(*Bitswap)

func TargetMessageSize(n int) Option {
	return func(bs *Bitswap) { bs.engineOpts = append(bs.engineOpts, decision.WithTargetMessageSize(n)) }
}

func MaxReplaceSize(n int) Option {
	return func(bs *Bitswap) { bs.engineOpts = append(bs.engineOpts, decision.WithMaxReplaceSize(n)) }
}

func MaxOutstandingBytesPerPeer(n int) Option {
	return func(bs *Bitswap) {
		bs.engineOpts = append(bs.engineOpts, decision.WithMaxOutstandingBytesPerPeer(n))
	}
}

func SendDontHaves(v bool) Option {
	return func(bs *Bitswap) { bs.engineOpts = append(bs.engineOpts, decision.WithSendDontHaves(v)) }
}

func TaskWorkerCount(n int) Option {
	return func(bs *Bitswap) { bs.engineOpts = append(bs.engineOpts, decision.WithTaskWorkerCount(n)) }
}

func BlockstoreWorkerCount(n int) Option {
	return func(bs *Bitswap) {
		bs.engineOpts = append(bs.engineOpts, decision.WithBlockstoreWorkerCount(n))
	}
}

func TaskComparator(cmp peertask.Comparator) Option {
	return func(bs *Bitswap) { bs.engineOpts = append(bs.engineOpts, decision.WithTaskComparator(cmp)) }
}

func PeerBlockRequestFilter(f decision.PeerBlockRequestFilter) Option {
	return func(bs *Bitswap) {
		bs.engineOpts = append(bs.engineOpts, decision.WithPeerBlockRequestFilter(f))
	}
}

func ScoreLedger(sl decision.ScoreLedger) Option {
	return func(bs *Bitswap) { bs.engineOpts = append(bs.engineOpts, decision.WithScoreLedger(sl)) }
}
