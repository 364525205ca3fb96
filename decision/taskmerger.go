package decision

import (
	"github.com/mwatts/iroh-bitswap/peertask"
)

// taskData is the domain payload carried in peertask.Task.Data for
// every task this engine enqueues.
type taskData struct {
	BlockSize    int
	HaveBlock    bool
	IsWantBlock  bool
	SendDontHave bool
}

// engineTaskMerger combines two queued tasks for the same block id: a
// later "I actually have this block" supersedes an earlier
// don't-have, and a later Fetch upgrades a pending Probe.
type engineTaskMerger struct{}

func (engineTaskMerger) Merge(newTask peertask.Task, existing *peertask.Task) {
	newData := newTask.Data.(*taskData)
	oldData := existing.Data.(*taskData)

	haveBlock := oldData.HaveBlock || newData.HaveBlock
	isWantBlock := oldData.IsWantBlock || newData.IsWantBlock
	sendDontHave := oldData.SendDontHave || newData.SendDontHave

	// Prefer the richer combination's size/work: have_block wins over
	// not, and among have_block entries, is_want_block (a full fetch)
	// wins over a bare presence.
	var blockSize int
	var work int
	switch {
	case newData.HaveBlock && newData.IsWantBlock:
		blockSize, work = newData.BlockSize, newTask.Work
	case oldData.HaveBlock && oldData.IsWantBlock:
		blockSize, work = oldData.BlockSize, existing.Work
	case newData.HaveBlock:
		blockSize, work = newData.BlockSize, newTask.Work
	case oldData.HaveBlock:
		blockSize, work = oldData.BlockSize, existing.Work
	default:
		blockSize, work = newData.BlockSize, newTask.Work
	}

	existing.Priority = maxInt(existing.Priority, newTask.Priority)
	existing.Work = work
	existing.Data = &taskData{
		BlockSize:    blockSize,
		HaveBlock:    haveBlock,
		IsWantBlock:  isWantBlock,
		SendDontHave: sendDontHave,
	}
}

func (engineTaskMerger) HasOldestMatch(oldTasks []*peertask.Task, newTask *peertask.Task) bool {
	// Every distinct block id is tracked as its own task; there is no
	// notion of an existing task "covering" a different one.
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
