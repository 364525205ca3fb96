package decision

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
)

// scoreBytesPerPoint is the divisor used to turn accumulated
// bytes-sent into a score point. Score must never decrease as
// bytes_sent grows, which floor division trivially satisfies.
const scoreBytesPerPoint = 1 << 16 // 64 KiB per point

// maxScore caps the derived score so one very well-served peer can't
// dominate fair-selection weighting indefinitely.
const maxScore = 100

// recomputeInterval is how often the background worker recomputes
// scores and fires score-changed callbacks.
const recomputeInterval = 500 * time.Millisecond

// Receipt is the externally visible state of one peer's ledger entry.
type Receipt struct {
	Peer          peer.ID
	BytesSent     uint64
	BytesReceived uint64
	Score         int
}

// ScoreLedger accumulates bytes-sent/bytes-received per peer
// (component B) and derives a scalar score used to weight fair
// peer-task-queue selection.
type ScoreLedger interface {
	PeerConnected(p peer.ID)
	PeerDisconnected(p peer.ID)
	AddToSentBytes(p peer.ID, n int)
	AddToReceivedBytes(p peer.ID, n int)
	Receipt(p peer.ID) Receipt
	// Score returns just the current score, used by the task queue's
	// PeerScorer without allocating a full Receipt.
	Score(p peer.ID) int
	// Start begins the background recompute loop, invoking onChange
	// (outside any internal lock) whenever a peer's score crosses the
	// configured hysteresis threshold.
	Start(onChange func(p peer.ID, score int))
	Stop()
}

type scoreEntry struct {
	sent, recv   uint64
	lastActivity time.Time
	lastReported int
}

// DefaultScoreLedger is the engine's built-in ScoreLedger.
type DefaultScoreLedger struct {
	lk      sync.Mutex
	entries map[peer.ID]*scoreEntry

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewDefaultScoreLedger returns a ScoreLedger ready to Start.
func NewDefaultScoreLedger() *DefaultScoreLedger {
	return &DefaultScoreLedger{
		entries: make(map[peer.ID]*scoreEntry),
		done:    make(chan struct{}),
	}
}

func (s *DefaultScoreLedger) PeerConnected(p peer.ID) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.entries[p]; ok {
		return
	}
	s.entries[p] = &scoreEntry{lastActivity: time.Now()}
}

func (s *DefaultScoreLedger) PeerDisconnected(p peer.ID) {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.entries, p)
}

func (s *DefaultScoreLedger) AddToSentBytes(p peer.ID, n int) {
	if n <= 0 {
		return
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	e := s.entryLocked(p)
	e.sent += uint64(n)
	e.lastActivity = time.Now()
}

func (s *DefaultScoreLedger) AddToReceivedBytes(p peer.ID, n int) {
	if n <= 0 {
		return
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	e := s.entryLocked(p)
	e.recv += uint64(n)
	e.lastActivity = time.Now()
}

func (s *DefaultScoreLedger) entryLocked(p peer.ID) *scoreEntry {
	e, ok := s.entries[p]
	if !ok {
		e = &scoreEntry{lastActivity: time.Now()}
		s.entries[p] = e
	}
	return e
}

func scoreFor(sent uint64) int {
	score := int(sent / scoreBytesPerPoint)
	if score > maxScore {
		score = maxScore
	}
	return score
}

func (s *DefaultScoreLedger) Receipt(p peer.ID) Receipt {
	s.lk.Lock()
	defer s.lk.Unlock()
	e, ok := s.entries[p]
	if !ok {
		return Receipt{Peer: p}
	}
	return Receipt{Peer: p, BytesSent: e.sent, BytesReceived: e.recv, Score: scoreFor(e.sent)}
}

func (s *DefaultScoreLedger) Score(p peer.ID) int {
	s.lk.Lock()
	defer s.lk.Unlock()
	e, ok := s.entries[p]
	if !ok {
		return 0
	}
	return scoreFor(e.sent)
}

// Start launches the background recompute loop. Safe to call at most
// once; onChange is invoked with the lock released.
func (s *DefaultScoreLedger) Start(onChange func(p peer.ID, score int)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(recomputeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.recompute(onChange)
			case <-s.done:
				return
			}
		}
	}()
}

func (s *DefaultScoreLedger) recompute(onChange func(p peer.ID, score int)) {
	type change struct {
		p     peer.ID
		score int
	}
	var changed []change

	s.lk.Lock()
	for p, e := range s.entries {
		score := scoreFor(e.sent)
		if score != e.lastReported {
			e.lastReported = score
			changed = append(changed, change{p, score})
		}
	}
	s.lk.Unlock()

	if onChange == nil {
		return
	}
	for _, c := range changed {
		onChange(c.p, c.score)
	}
}

// Stop terminates the background loop. Idempotent.
func (s *DefaultScoreLedger) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

var _ ScoreLedger = (*DefaultScoreLedger)(nil)
