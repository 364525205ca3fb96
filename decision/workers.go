package decision

import (
	"context"
	"time"

	cid "github.com/ipfs/go-cid"
	process "github.com/jbenet/goprocess"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/mwatts/iroh-bitswap/message"
	"github.com/mwatts/iroh-bitswap/peertask"
)

// startWorkers launches taskWorkerCount task workers plus the single
// thaw ticker, all torn down when e.proc closes.
func (e *Engine) startWorkers() {
	for i := 0; i < e.taskWorkerCount; i++ {
		e.proc.Go(e.taskWorker)
	}
	e.proc.Go(e.thawWorker)
}

// taskWorker repeatedly pops a batch of tasks for one peer, resolves
// each against the blockstore, and assembles an outbound envelope.
func (e *Engine) taskWorker(proc process.Process) {
	ctx := processContext(proc)
	for {
		p, tasks, remaining, ok := e.popTasks(proc)
		if !ok {
			return
		}
		env := e.buildEnvelope(ctx, p, tasks, remaining)
		if env == nil {
			e.taskQueue.TasksDone(p, tasks...)
			continue
		}
		select {
		case e.outbox <- env:
		case <-proc.Closing():
			return
		}
	}
}

// popTasks blocks on the task queue but wakes early if proc is
// closing, so workers don't outlive Engine.Close.
func (e *Engine) popTasks(proc process.Process) (p peer.ID, tasks []peertask.Task, remaining int, ok bool) {
	type result struct {
		p         peer.ID
		tasks     []peertask.Task
		remaining int
	}
	done := make(chan result, 1)
	go func() {
		pp, tt, rr := e.taskQueue.PopTasks(e.targetMessageSize)
		done <- result{pp, tt, rr}
	}()

	select {
	case r := <-done:
		if r.tasks == nil {
			return "", nil, 0, false
		}
		return r.p, r.tasks, r.remaining, true
	case <-proc.Closing():
		e.taskQueue.Close()
		r := <-done
		if r.tasks == nil {
			return "", nil, 0, false
		}
		return r.p, r.tasks, r.remaining, true
	}
}

// buildEnvelope resolves tasks against the blockstore and assembles
// the outbound message. A block that vanished between sizing and
// fetch (an eviction race) becomes a DontHave instead of failing the
// whole envelope.
func (e *Engine) buildEnvelope(ctx context.Context, p peer.ID, tasks []peertask.Task, remaining int) *Envelope {
	var blockWants []cid.Cid
	for _, t := range tasks {
		d := t.Data.(*taskData)
		if d.HaveBlock && d.IsWantBlock {
			blockWants = append(blockWants, t.Topic.(cid.Cid))
		}
	}
	blks := e.bsm.getBlocks(ctx, blockWants)

	m := message.New(false)
	m.SetPendingBytes(int64(remaining))

	for _, t := range tasks {
		c := t.Topic.(cid.Cid)
		d := t.Data.(*taskData)

		switch {
		case d.HaveBlock && d.IsWantBlock:
			b, ok := blks[c]
			if !ok {
				if d.SendDontHave {
					m.AddBlockPresence(c, message.DontHave)
				}
				continue
			}
			m.AddBlock(b)
		case d.HaveBlock:
			m.AddBlockPresence(c, message.Have)
		default:
			if d.SendDontHave {
				m.AddBlockPresence(c, message.DontHave)
			}
		}
	}

	if m.Empty() {
		return nil
	}
	return &Envelope{Peer: p, Message: m, SentTasks: tasks}
}

// thawWorker ticks every 100ms, thawing starved peers and nudging
// blocked poppers so newly-eligible work is picked up promptly.
func (e *Engine) thawWorker(proc process.Process) {
	ticker := time.NewTicker(thawTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.taskQueue.ThawRound()
		case <-proc.Closing():
			return
		}
	}
}

func processContext(proc process.Process) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-proc.Closing()
		cancel()
	}()
	return ctx
}
