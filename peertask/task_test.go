package peertask

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultComparatorPriorityThenWork(t *testing.T) {
	assert := assert.New(t)

	high := &Task{Priority: 10, Work: 100}
	low := &Task{Priority: 1, Work: 1}
	assert.True(DefaultComparator(high, low))
	assert.False(DefaultComparator(low, high))

	cheap := &Task{Priority: 5, Work: 1}
	expensive := &Task{Priority: 5, Work: 100}
	assert.True(DefaultComparator(cheap, expensive))
	assert.False(DefaultComparator(expensive, cheap))
}
