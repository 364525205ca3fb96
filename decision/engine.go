// Package decision implements the server-side block-exchange decision
// engine: per-peer wantlist ledgers, the global peer/block
// cross-reference, the priority task queue, and the worker pool that
// turns queued work into outbound envelopes.
package decision

import (
	"context"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	process "github.com/jbenet/goprocess"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mwatts/iroh-bitswap/message"
	"github.com/mwatts/iroh-bitswap/peertask"
	"github.com/mwatts/iroh-bitswap/peertaskqueue"

	bsblockstore "github.com/mwatts/iroh-bitswap/blockstore"
)

var log = logging.Logger("bitswap/decision")

const (
	// defaultTaskWorkerCount is engine_task_worker_count's default.
	defaultTaskWorkerCount = 8
	// defaultBlockstoreWorkerCount is engine_blockstore_worker_count's
	// default.
	defaultBlockstoreWorkerCount = 128
	// defaultTargetMessageSize is target_message_size's default.
	defaultTargetMessageSize = 16 * 1024
	// defaultMaxOutstandingBytesPerPeer is
	// max_outstanding_bytes_per_peer's default.
	defaultMaxOutstandingBytesPerPeer = 1 << 20
	// defaultMaxReplaceSize is max_replace_size's default.
	defaultMaxReplaceSize = 1024
	// outboxCapacity is the outbox channel's fixed capacity.
	outboxCapacity = 1024
	// thawTickInterval drives the periodic thaw sweep.
	thawTickInterval = 100 * time.Millisecond
)

// PeerBlockRequestFilter decides whether p may request c at all,
// implementing the optional peer_block_request_filter capability.
type PeerBlockRequestFilter func(p peer.ID, c cid.Cid) bool

// Envelope is the outbound unit a worker hands to the outbox: a
// peer-addressed message plus the tasks it retires once the transport
// accepts it.
type Envelope struct {
	Peer      peer.ID
	Message   message.Message
	SentTasks []peertask.Task
}

// Engine is the block-exchange decision engine (component F),
// including its worker pool (component G). It owns the
// PeerTaskQueue, the BlockStoreGateway, the ScoreLedger and the
// PeerLedger; per-peer Ledgers live in ledgerMap.
type Engine struct {
	self peer.ID

	ledgerLk  sync.RWMutex
	ledgerMap map[peer.ID]*Ledger

	peerLedger  *PeerLedger
	scoreLedger ScoreLedger
	bsm         *blockStoreManager
	taskQueue   *peertaskqueue.PeerTaskQueue

	targetMessageSize          int
	maxReplaceSize             int
	maxOutstandingBytesPerPeer int
	sendDontHaves              bool
	taskWorkerCount            int
	peerBlockRequestFilter     PeerBlockRequestFilter

	// taskComparatorStaged and blockstoreWorkerCountStaged are only
	// read by NewEngine while constructing taskQueue/bsm; they have no
	// effect if set after construction.
	taskComparatorStaged        peertask.Comparator
	blockstoreWorkerCountStaged int

	outbox chan *Envelope
	proc   process.Process

	metrics *engineMetrics
}

type engineMetrics struct {
	registry        *prometheus.Registry
	tasksPending    prometheus.Gauge
	tasksActive     prometheus.Gauge
	dupBlocksRecvd  prometheus.Counter
	blocksSent      prometheus.Counter
	presencesSent   prometheus.Counter
}

func newEngineMetrics() *engineMetrics {
	reg := prometheus.NewRegistry()
	m := &engineMetrics{
		registry: reg,
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bitswap", Subsystem: "engine", Name: "tasks_pending",
			Help: "Number of tasks queued but not yet popped across all peers.",
		}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bitswap", Subsystem: "engine", Name: "tasks_active",
			Help: "Number of peers with a non-empty task queue.",
		}),
		dupBlocksRecvd: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bitswap", Subsystem: "engine", Name: "dup_blocks_received_total",
			Help: "Blocks received that the local store already had.",
		}),
		blocksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bitswap", Subsystem: "engine", Name: "blocks_sent_total",
			Help: "Blocks emitted in outbound envelopes.",
		}),
		presencesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bitswap", Subsystem: "engine", Name: "presences_sent_total",
			Help: "Have/DontHave presences emitted in outbound envelopes.",
		}),
	}
	reg.MustRegister(m.tasksPending, m.tasksActive, m.dupBlocksRecvd, m.blocksSent, m.presencesSent)
	return m
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithTargetMessageSize(n int) Option {
	return func(e *Engine) { e.targetMessageSize = n }
}

func WithMaxReplaceSize(n int) Option {
	return func(e *Engine) { e.maxReplaceSize = n }
}

func WithMaxOutstandingBytesPerPeer(n int) Option {
	return func(e *Engine) { e.maxOutstandingBytesPerPeer = n }
}

func WithSendDontHaves(v bool) Option {
	return func(e *Engine) { e.sendDontHaves = v }
}

func WithTaskWorkerCount(n int) Option {
	return func(e *Engine) { e.taskWorkerCount = n }
}

func WithPeerBlockRequestFilter(f PeerBlockRequestFilter) Option {
	return func(e *Engine) { e.peerBlockRequestFilter = f }
}

func WithTaskComparator(cmp peertask.Comparator) Option {
	return func(e *Engine) { e.taskComparatorStaged = cmp }
}

func WithScoreLedger(sl ScoreLedger) Option {
	return func(e *Engine) { e.scoreLedger = sl }
}

func WithBlockstoreWorkerCount(n int) Option {
	return func(e *Engine) { e.blockstoreWorkerCountStaged = n }
}

// NewEngine constructs an Engine over bs acting on behalf of self, and
// starts its worker pool and ticker. Callers must call Close to
// release resources.
func NewEngine(ctx context.Context, bs bsblockstore.Blockstore, self peer.ID, opts ...Option) *Engine {
	e := &Engine{
		self:                       self,
		ledgerMap:                  make(map[peer.ID]*Ledger),
		peerLedger:                 newPeerLedger(),
		scoreLedger:                NewDefaultScoreLedger(),
		targetMessageSize:          defaultTargetMessageSize,
		maxReplaceSize:             defaultMaxReplaceSize,
		maxOutstandingBytesPerPeer: defaultMaxOutstandingBytesPerPeer,
		sendDontHaves:              true,
		taskWorkerCount:            defaultTaskWorkerCount,
		outbox:                     make(chan *Envelope, outboxCapacity),
		metrics:                    newEngineMetrics(),
	}

	blockstoreWorkerCount := defaultBlockstoreWorkerCount
	for _, o := range opts {
		o(e)
	}
	if e.blockstoreWorkerCountStaged > 0 {
		blockstoreWorkerCount = e.blockstoreWorkerCountStaged
	}

	e.bsm = newBlockStoreManager(bs, blockstoreWorkerCount)
	e.taskQueue = peertaskqueue.New(
		engineTaskMerger{},
		peertaskqueue.WithComparator(e.taskComparatorStaged),
		peertaskqueue.WithMaxOutstandingBytesPerPeer(e.maxOutstandingBytesPerPeer),
		peertaskqueue.WithScorer(scorerAdapter{e.scoreLedger}),
	)

	e.proc = process.WithTeardown(func() error {
		e.taskQueue.Close()
		e.scoreLedger.Stop()
		// Every task worker has returned by the time teardown runs, so
		// nothing sends on the outbox any more.
		close(e.outbox)
		return nil
	})
	go func() {
		<-ctx.Done()
		e.proc.Close()
	}()

	e.scoreLedger.Start(nil)
	e.startWorkers()

	return e
}

// scorerAdapter lets ScoreLedger satisfy peertaskqueue.PeerScorer
// without that package importing decision (which would cycle back).
type scorerAdapter struct{ sl ScoreLedger }

func (s scorerAdapter) Score(p peer.ID) int { return s.sl.Score(p) }

// PeerConnected creates a Ledger for p and registers it with the
// score ledger. No-op if p is already connected.
func (e *Engine) PeerConnected(p peer.ID) {
	e.ledgerLk.Lock()
	if _, ok := e.ledgerMap[p]; ok {
		e.ledgerLk.Unlock()
		return
	}
	e.ledgerMap[p] = newLedger(p)
	e.ledgerLk.Unlock()
	e.scoreLedger.PeerConnected(p)
}

// PeerDisconnected tears down p's Ledger, purges PeerLedger and
// PeerTaskQueue references to p, and informs the score ledger.
// Idempotent.
func (e *Engine) PeerDisconnected(p peer.ID) {
	e.ledgerLk.Lock()
	l, ok := e.ledgerMap[p]
	delete(e.ledgerMap, p)
	e.ledgerLk.Unlock()

	if ok {
		for _, entry := range l.Entries() {
			e.peerLedger.Cancel(p, entry.Cid)
		}
	}
	e.peerLedger.ForgetPeer(p)
	e.taskQueue.RemovePeer(p)
	e.scoreLedger.PeerDisconnected(p)
}

func (e *Engine) getOrCreateLedger(p peer.ID) *Ledger {
	e.ledgerLk.Lock()
	defer e.ledgerLk.Unlock()
	l, ok := e.ledgerMap[p]
	if !ok {
		l = newLedger(p)
		e.ledgerMap[p] = l
		e.scoreLedger.PeerConnected(p)
	}
	return l
}

// WantlistForPeer returns a snapshot of p's current wantlist.
func (e *Engine) WantlistForPeer(p peer.ID) []WantEntry {
	e.ledgerLk.RLock()
	l, ok := e.ledgerMap[p]
	e.ledgerLk.RUnlock()
	if !ok {
		return nil
	}
	return l.Entries()
}

// Receipt returns p's score ledger receipt.
func (e *Engine) Receipt(p peer.ID) Receipt {
	return e.scoreLedger.Receipt(p)
}

// Outbox is the consumer endpoint for the network layer.
func (e *Engine) Outbox() <-chan *Envelope {
	return e.outbox
}

// Close stops all workers, drains what it can, and closes the outbox.
// Idempotent.
func (e *Engine) Close() error {
	return e.proc.Close()
}

func (e *Engine) closing() bool {
	select {
	case <-e.proc.Closing():
		return true
	default:
		return false
	}
}

// MessageReceived absorbs an inbound wantlist update from p: it
// partitions entries into cancels, denials, and wants, resolves sizes
// against the blockstore, updates the peer's ledger and the global
// reverse index, and enqueues whatever tasks the update produces.
func (e *Engine) MessageReceived(ctx context.Context, p peer.ID, m message.Message) {
	if e.closing() {
		return
	}

	var cancels, wants, denials []message.Entry

	for _, entry := range m.Wantlist() {
		if entry.Cancel {
			cancels = append(cancels, entry)
			continue
		}
		if e.peerBlockRequestFilter != nil && !e.peerBlockRequestFilter(p, entry.Cid) {
			denials = append(denials, entry)
			continue
		}
		wants = append(wants, entry)
	}

	wantCids := make([]cid.Cid, len(wants))
	for i, w := range wants {
		wantCids[i] = w.Cid
	}
	sizes := e.bsm.getBlockSizes(ctx, wantCids)

	for _, w := range wants {
		e.peerLedger.Wants(p, w.Cid)
	}
	for _, c := range cancels {
		e.peerLedger.Cancel(p, c.Cid)
	}

	ledger := e.getOrCreateLedger(p)
	if m.Full() {
		wantSet := make(map[cid.Cid]struct{}, len(wants))
		for _, w := range wants {
			wantSet[w.Cid] = struct{}{}
		}
		for _, old := range ledger.Entries() {
			if _, keep := wantSet[old.Cid]; keep {
				continue
			}
			e.taskQueue.Remove(old.Cid, p)
			e.peerLedger.Cancel(p, old.Cid)
		}
		ledger.Clear()
	}

	var tasks []peertask.Task

	for _, c := range cancels {
		if _, existed := ledger.Cancel(c.Cid); existed {
			e.taskQueue.Remove(c.Cid, p)
		}
	}

	for _, d := range denials {
		if e.sendDontHaves && d.SendDontHave {
			tasks = append(tasks, e.negativeTask(d.Cid))
		}
	}

	for _, w := range wants {
		kind := WantProbe
		if w.WantType == message.WantBlock {
			kind = WantFetch
		}
		ledger.Wants(w.Cid, w.Priority, kind, w.SendDontHave)

		size, has := sizes[w.Cid]
		if !has {
			if e.sendDontHaves && w.SendDontHave {
				tasks = append(tasks, e.negativeTask(w.Cid))
			}
			continue
		}

		isWantBlock := kind == WantFetch || size <= e.maxReplaceSize
		tasks = append(tasks, e.positiveTask(w.Cid, w.Priority, size, isWantBlock, w.SendDontHave))
	}

	if len(tasks) > 0 {
		e.taskQueue.PushTasks(p, tasks...)
	}
}

func (e *Engine) negativeTask(c cid.Cid) peertask.Task {
	return peertask.Task{
		Topic:    c,
		Priority: 0,
		Work:     message.EncodedLen(c),
		Data: &taskData{
			HaveBlock:    false,
			IsWantBlock:  false,
			SendDontHave: true,
		},
	}
}

func (e *Engine) positiveTask(c cid.Cid, priority int32, blockSize int, isWantBlock bool, sendDontHave bool) peertask.Task {
	work := message.EncodedLen(c)
	if isWantBlock {
		work = blockSize
	}
	return peertask.Task{
		Topic:    c,
		Priority: int(priority),
		Work:     work,
		Data: &taskData{
			BlockSize:    blockSize,
			HaveBlock:    true,
			IsWantBlock:  isWantBlock,
			SendDontHave: sendDontHave,
		},
	}
}

// TasksDone releases the per-peer outstanding-bytes accounting for
// tasks whose envelope the transport has finished handling, success
// or failure. Called by the network layer (or immediately by a
// worker that built an empty envelope).
func (e *Engine) TasksDone(p peer.ID, tasks []peertask.Task) {
	e.taskQueue.TasksDone(p, tasks...)
}

// ReceivedBlocks updates score-ledger accounting for data received
// from p; it does not itself store the blocks (that's the caller's
// job, typically before calling this).
func (e *Engine) ReceivedBlocks(p peer.ID, blks []blocks.Block) {
	if e.closing() {
		return
	}
	total := 0
	for _, b := range blks {
		total += len(b.RawData())
	}
	e.scoreLedger.AddToReceivedBytes(p, total)
}

// NotifyNewBlocks reports that the local store just acquired blks;
// peers waiting on any of them get a task enqueued.
func (e *Engine) NotifyNewBlocks(blks []blocks.Block) {
	if e.closing() {
		return
	}

	for _, b := range blks {
		c := b.Cid()
		size := len(b.RawData())

		for _, p := range e.peerLedger.PeersFor(c) {
			e.ledgerLk.RLock()
			l, ok := e.ledgerMap[p]
			e.ledgerLk.RUnlock()
			if !ok {
				e.peerLedger.Cancel(p, c)
				continue
			}

			entry, ok := l.Get(c)
			if !ok {
				e.peerLedger.Cancel(p, c)
				continue
			}

			isWantBlock := entry.Kind == WantFetch || size <= e.maxReplaceSize
			task := e.positiveTask(c, entry.Priority, size, isWantBlock, entry.SendDontHave)
			e.taskQueue.PushTasks(p, task)
		}
	}
}

// MessageSent trims Ledger entries for the blocks and Have presences
// in m (DontHave presences leave the entry in place) and updates
// bytes-sent accounting.
func (e *Engine) MessageSent(p peer.ID, m message.Message) {
	e.ledgerLk.RLock()
	l, ok := e.ledgerMap[p]
	e.ledgerLk.RUnlock()

	if ok {
		for _, b := range m.Blocks() {
			c := b.Cid()
			l.RemoveKind(c, WantFetch)
			l.RemoveKind(c, WantProbe)
		}
		for _, bp := range m.BlockPresences() {
			if bp.Type == message.Have {
				l.RemoveKind(bp.Cid, WantProbe)
			}
		}
	}

	e.scoreLedger.AddToSentBytes(p, m.Size())
	e.metrics.blocksSent.Add(float64(len(m.Blocks())))
	e.metrics.presencesSent.Add(float64(len(m.BlockPresences())))
}

// MetricsRegistry exposes the engine's private prometheus registry so
// the surrounding gateway can mount it on its own /metrics endpoint.
// Exporting metrics is the gateway's concern, not the engine's.
func (e *Engine) MetricsRegistry() *prometheus.Registry {
	return e.metrics.registry
}
