package decision

import "github.com/mwatts/iroh-bitswap/peertaskqueue"

// Stat is a point-in-time snapshot of the engine's internal state,
// useful for diagnostics and tests.
type Stat struct {
	peertaskqueue.Stats
	ConnectedPeers int
}

// Stat reports the engine's current queue and connection counters.
func (e *Engine) Stat() Stat {
	e.ledgerLk.RLock()
	connected := len(e.ledgerMap)
	e.ledgerLk.RUnlock()

	return Stat{
		Stats:          e.taskQueue.Stats(),
		ConnectedPeers: connected,
	}
}
