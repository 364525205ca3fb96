package peertracker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mwatts/iroh-bitswap/peertask"
)

type replaceMerger struct{}

func (replaceMerger) Merge(newTask peertask.Task, existing *peertask.Task) {
	existing.Priority = newTask.Priority
	existing.Work = newTask.Work
	existing.Data = newTask.Data
}

func (replaceMerger) HasOldestMatch(oldTasks []*peertask.Task, newTask *peertask.Task) bool {
	return false
}

func TestPushAndPopRespectsPriority(t *testing.T) {
	assert := assert.New(t)

	pt := New(nil)
	pt.PushTasks([]peertask.Task{
		{Topic: "a", Priority: 1, Work: 10},
		{Topic: "b", Priority: 5, Work: 10},
		{Topic: "c", Priority: 3, Work: 10},
	}, replaceMerger{})

	tasks, _ := pt.PopTasks(100)
	assert.Len(tasks, 3)
	assert.Equal("b", tasks[0].Topic)
	assert.Equal("c", tasks[1].Topic)
	assert.Equal("a", tasks[2].Topic)
}

func TestPopTasksRespectsSizeBudgetButAlwaysPopsOne(t *testing.T) {
	assert := assert.New(t)

	pt := New(nil)
	pt.PushTasks([]peertask.Task{
		{Topic: "a", Priority: 1, Work: 50},
		{Topic: "b", Priority: 1, Work: 50},
	}, replaceMerger{})

	tasks, remaining := pt.PopTasks(10)
	assert.Len(tasks, 1, "a single oversized task is still popped rather than starving the peer")
	assert.Equal(50, remaining)
}

func TestPushMergesPendingTask(t *testing.T) {
	assert := assert.New(t)

	pt := New(nil)
	pt.PushTasks([]peertask.Task{{Topic: "a", Priority: 1, Work: 10, Data: 1}}, replaceMerger{})
	pt.PushTasks([]peertask.Task{{Topic: "a", Priority: 9, Work: 20, Data: 2}}, replaceMerger{})

	tasks, _ := pt.PopTasks(100)
	assert.Len(tasks, 1)
	assert.Equal(9, tasks[0].Priority)
	assert.Equal(20, tasks[0].Work)
}

func TestRemoveFreezesOnStarvation(t *testing.T) {
	assert := assert.New(t)

	pt := New(nil)
	pt.PushTasks([]peertask.Task{{Topic: "a", Priority: 1, Work: 10}}, replaceMerger{})

	// Pop it so it's active, then push a second pending task and remove
	// it: pending drops to zero while "a" is still active.
	_, _ = pt.PopTasks(100)
	pt.PushTasks([]peertask.Task{{Topic: "b", Priority: 1, Work: 10}}, replaceMerger{})
	removed := pt.Remove("b")
	assert.True(removed)
	assert.True(pt.IsFrozen())

	pt.Thaw()
	assert.False(pt.IsFrozen())
}

func TestPushMergesActiveTaskReconcilesOutstandingWork(t *testing.T) {
	assert := assert.New(t)

	pt := New(nil)
	pt.PushTasks([]peertask.Task{{Topic: "a", Priority: 1, Work: 10, Data: 1}}, replaceMerger{})
	_, _ = pt.PopTasks(100)
	assert.Equal(10, pt.OutstandingWork(), "probe-sized task popped and now active")

	// "a" is upgraded while in flight (e.g. a probe superseded by a
	// fetch of a much bigger block): activeWork must track the merged
	// Work, not the original popped Work.
	pt.PushTasks([]peertask.Task{{Topic: "a", Priority: 1, Work: 1000, Data: 2}}, replaceMerger{})
	assert.Equal(1000, pt.OutstandingWork())

	pt.TasksDone([]peertask.Topic{"a"})
	assert.Equal(0, pt.OutstandingWork())
}

type coveringMerger struct{}

func (coveringMerger) Merge(newTask peertask.Task, existing *peertask.Task) {
	t := existing
	t.Priority = newTask.Priority
	t.Work = newTask.Work
	t.Data = newTask.Data
}

func (coveringMerger) HasOldestMatch(oldTasks []*peertask.Task, newTask *peertask.Task) bool {
	return len(oldTasks) > 0
}

func TestPushSkipsMergeWhenActiveTaskAlreadyCoversIt(t *testing.T) {
	assert := assert.New(t)

	pt := New(nil)
	pt.PushTasks([]peertask.Task{{Topic: "a", Priority: 1, Work: 10}}, coveringMerger{})
	_, _ = pt.PopTasks(100)
	assert.Equal(10, pt.OutstandingWork())

	// coveringMerger reports the active task already satisfies any new
	// push for the same topic; no merge, no activeWork change.
	pt.PushTasks([]peertask.Task{{Topic: "a", Priority: 9, Work: 9999}}, coveringMerger{})
	assert.Equal(10, pt.OutstandingWork())
}

func TestTasksDoneClearsOutstandingWork(t *testing.T) {
	assert := assert.New(t)

	pt := New(nil)
	pt.PushTasks([]peertask.Task{{Topic: "a", Priority: 1, Work: 10}}, replaceMerger{})
	tasks, _ := pt.PopTasks(100)
	assert.Equal(10, pt.OutstandingWork())

	pt.TasksDone([]peertask.Topic{tasks[0].Topic})
	assert.Equal(0, pt.OutstandingWork())
	assert.True(pt.IsIdle())
}
